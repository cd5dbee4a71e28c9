package archive

import (
	"encoding/csv"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/linkedin/goavro/v2"
)

// errNoHeader marks a CSV segment without a header row
var errNoHeader = stderrors.New("segment has no csv header")

// recordReader yields raw records of one segment. Read returns io.EOF at the
// end of the segment. A *recordError leaves the reader usable; any other
// error ends the segment.
type recordReader interface {
	Read() (map[string]interface{}, error)
	Close() error
}

// recordError reports a single malformed record
type recordError struct {
	Line int
	Err  error
}

func (e *recordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Line, e.Err)
}

func (e *recordError) Unwrap() error {
	return e.Err
}

// openReader wraps the object body in a decoder for its format. Field names
// are passed through header.
func openReader(body io.ReadCloser, format Format, compressed bool, header func(string) string) (recordReader, error) {
	var r io.Reader = body
	closers := []io.Closer{body}

	if compressed {
		gz, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		r = gz
		closers = append([]io.Closer{gz}, closers...)
	}

	var (
		rr  recordReader
		err error
	)
	switch format {
	case FormatCSV:
		rr, err = newCSVReader(r, header)
	case FormatNDJSON:
		rr = newNDJSONReader(r, header)
	case FormatAvro:
		rr, err = newAvroReader(r, header)
	default:
		err = fmt.Errorf("unsupported format %s", format)
	}
	if err != nil {
		closeAll(closers)
		return nil, err
	}

	return &closingReader{recordReader: rr, closers: closers}, nil
}

type closingReader struct {
	recordReader
	closers []io.Closer
}

func (c *closingReader) Close() error {
	return closeAll(c.closers)
}

func closeAll(closers []io.Closer) error {
	var first error
	for _, c := range closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// csvReader maps each row onto the header row. Missing trailing columns
// read as empty strings.
type csvReader struct {
	r      *csv.Reader
	header []string
	line   int
}

func newCSVReader(r io.Reader, normalize func(string) string) (*csvReader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errNoHeader
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	names := make([]string, 0, len(header))
	nonEmpty := false
	for _, h := range header {
		name := normalize(h)
		if name != "" {
			nonEmpty = true
		}
		names = append(names, name)
	}
	if !nonEmpty {
		return nil, errNoHeader
	}

	return &csvReader{r: cr, header: names, line: 1}, nil
}

func (c *csvReader) Read() (map[string]interface{}, error) {
	for {
		row, err := c.r.Read()
		c.line++
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			var perr *csv.ParseError
			if stderrors.As(err, &perr) {
				return nil, &recordError{Line: c.line, Err: err}
			}
			return nil, err
		}

		// Skip blank lines the csv package reports as a single empty field
		if len(row) == 1 && row[0] == "" {
			continue
		}

		record := make(map[string]interface{}, len(c.header))
		for i, h := range c.header {
			if h == "" {
				continue
			}
			if i < len(row) {
				record[h] = row[i]
			} else {
				record[h] = ""
			}
		}
		return record, nil
	}
}

func (c *csvReader) Close() error { return nil }

// ndjsonReader decodes one JSON object per record
type ndjsonReader struct {
	dec    *json.Decoder
	header func(string) string
	line   int
}

func newNDJSONReader(r io.Reader, header func(string) string) *ndjsonReader {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &ndjsonReader{dec: dec, header: header}
}

func (n *ndjsonReader) Read() (map[string]interface{}, error) {
	var raw map[string]interface{}
	n.line++
	if err := n.dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		var typeErr *json.UnmarshalTypeError
		if stderrors.As(err, &typeErr) {
			// Decoder stays aligned after a type mismatch
			return nil, &recordError{Line: n.line, Err: err}
		}
		return nil, fmt.Errorf("failed to decode record %d: %w", n.line, err)
	}
	return renameFields(raw, n.header), nil
}

func (n *ndjsonReader) Close() error { return nil }

// avroReader reads an Avro object container file
type avroReader struct {
	ocf    *goavro.OCFReader
	header func(string) string
	line   int
}

func newAvroReader(r io.Reader, header func(string) string) (*avroReader, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open avro container: %w", err)
	}
	return &avroReader{ocf: ocf, header: header}, nil
}

func (a *avroReader) Read() (map[string]interface{}, error) {
	if !a.ocf.Scan() {
		if err := a.ocf.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	a.line++
	datum, err := a.ocf.Read()
	if err != nil {
		return nil, &recordError{Line: a.line, Err: err}
	}

	raw, ok := datum.(map[string]interface{})
	if !ok {
		return nil, &recordError{Line: a.line, Err: fmt.Errorf("expected record, got %T", datum)}
	}

	for k, v := range raw {
		raw[k] = unwrapUnion(v)
	}
	return renameFields(raw, a.header), nil
}

func (a *avroReader) Close() error { return nil }

// unwrapUnion flattens goavro's {"type": value} union encoding
func unwrapUnion(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok && len(m) == 1 {
		for _, inner := range m {
			return inner
		}
	}
	return v
}

func renameFields(raw map[string]interface{}, header func(string) string) map[string]interface{} {
	record := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		record[header(k)] = v
	}
	return record
}
