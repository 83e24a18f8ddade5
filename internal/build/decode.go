package build

import (
	"bufio"
	"encoding/json"
	"io"
)

// Record is one decoded unit of the daemon's build progress protocol.
// Exactly one of the fields is meaningful per record.
type Record struct {
	// Text is a line of human-readable build output (the "stream" field).
	Text string
	// Err is set when the daemon reports the build itself failed
	// (the "error" field).
	Err string
}

// IsError reports whether this record is a daemon-side build failure.
func (r Record) IsError() bool { return r.Err != "" }

// progressLine is the wire shape of one line of the daemon's output.
// Other fields (aux, status, progressDetail) exist on the wire but the
// orchestrator has no use for them; lines carrying only those decode to
// neither variant and are skipped.
type progressLine struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}

// Decoder turns the daemon's raw output stream into a sequence of
// Records. The protocol is one JSON object per line; malformed lines and
// lines with no recognized field are dropped, not errored — raw null
// chunks do occur in practice and must be tolerated. A Decoder is not
// restartable; make a new one per source stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps a raw daemon output stream.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Decoder{scanner: s}
}

// Next returns the next progress record. ok is false when the underlying
// stream ends — a normal terminal state, not an error.
func (d *Decoder) Next() (rec Record, ok bool) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p progressLine
		if err := json.Unmarshal(line, &p); err != nil {
			continue
		}
		if p.Error != "" {
			return Record{Err: p.Error}, true
		}
		if p.Stream != "" {
			return Record{Text: p.Stream}, true
		}
		// Recognized JSON, unrecognized shape — skip.
	}
	return Record{}, false
}

// Err returns the transport error that ended the stream, if any. A plain
// EOF returns nil.
func (d *Decoder) Err() error {
	return d.scanner.Err()
}
