package build

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func drain(t *testing.T, d *Decoder) []Record {
	t.Helper()
	var recs []Record
	for {
		rec, ok := d.Next()
		if !ok {
			return recs
		}
		recs = append(recs, rec)
	}
}

func TestDecoderStreamLines(t *testing.T) {
	input := `{"stream":"Step 1/2 : FROM alpine\n"}
{"stream":" ---> a1b2c3d4e5f6\n"}
{"stream":"Successfully built a1b2c3d4e5f6\n"}
`
	recs := drain(t, NewDecoder(strings.NewReader(input)))
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Text != "Step 1/2 : FROM alpine\n" {
		t.Errorf("first record = %q", recs[0].Text)
	}
	if recs[1].Text != " ---> a1b2c3d4e5f6\n" {
		t.Errorf("second record = %q", recs[1].Text)
	}
	for i, rec := range recs {
		if rec.IsError() {
			t.Errorf("record %d unexpectedly an error", i)
		}
	}
}

func TestDecoderErrorRecord(t *testing.T) {
	input := `{"stream":"Step 1/1 : RUN false\n"}
{"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}
`
	recs := drain(t, NewDecoder(strings.NewReader(input)))
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if !recs[1].IsError() {
		t.Fatal("second record should be an error")
	}
	if want := "The command '/bin/sh -c false' returned a non-zero code: 1"; recs[1].Err != want {
		t.Errorf("error = %q, want %q", recs[1].Err, want)
	}
}

func TestDecoderSkipsJunk(t *testing.T) {
	input := "\n" + // empty line
		"not json at all\n" +
		`{"status":"Downloading","progressDetail":{"current":1}}` + "\n" + // unrecognized shape
		"null\n" +
		`{"stream":"kept\n"}` + "\n"
	recs := drain(t, NewDecoder(strings.NewReader(input)))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Text != "kept\n" {
		t.Errorf("record = %q", recs[0].Text)
	}
}

func TestDecoderTransportFault(t *testing.T) {
	faultErr := errors.New("connection reset")
	src := io.MultiReader(
		strings.NewReader(`{"stream":"Step 1/3 : FROM alpine\n"}`+"\n"),
		iotest.ErrReader(faultErr),
	)

	d := NewDecoder(src)
	recs := drain(t, d)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if !errors.Is(d.Err(), faultErr) {
		t.Errorf("Err() = %v, want %v", d.Err(), faultErr)
	}
}

func TestDecoderCleanEOF(t *testing.T) {
	d := NewDecoder(strings.NewReader(`{"stream":"done\n"}` + "\n"))
	drain(t, d)
	if err := d.Err(); err != nil {
		t.Errorf("Err() after clean EOF = %v, want nil", err)
	}
}
