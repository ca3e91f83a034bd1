package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gasguard/internal/normalize"
)

var reKV = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_%]*)\s*[=:]\s*([^\s,;]+)`)

// Parser turns one line of device output into fields. A Parser remembers a
// CSV header between lines, so stream transports keep one per connection.
type Parser struct {
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine accepts a JSON object, a CSV record (after a header line naming
// sid) or free-form key=value text. Blank lines and CSV headers return nil.
func (p *Parser) ParseLine(line string) (*normalize.Fields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if strings.HasPrefix(trim, "{") {
		fields, err := ParseJSONBytes([]byte(trim))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", normalize.ErrMalformedFrame, err)
		}
		fields.Raw = line
		return fields, nil
	}
	if strings.Contains(trim, ",") && !strings.Contains(trim, "=") {
		fields, err := p.csv.Parse(trim)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", normalize.ErrMalformedFrame, err)
		}
		if fields == nil {
			return nil, nil
		}
		fields.Raw = line
		return fields, nil
	}
	fields := parsePlain(trim)
	if fields.SID == "" && len(fields.Values) == 0 {
		return nil, fmt.Errorf("%w: no fields in %q", normalize.ErrMalformedFrame, trim)
	}
	fields.Raw = line
	return fields, nil
}

// splitLines breaks a multi-line payload, as sent over datagram and broker
// transports, into lines.
func splitLines(payload string) []string {
	lines := strings.Split(payload, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func ParseJSONBytes(data []byte) (*normalize.Fields, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap reads a flat object or one whose readings sit under "data".
func ParseJSONMap(obj map[string]any) *normalize.Fields {
	flat := map[string]string{}
	numeric := map[string]bool{}
	values := map[string]string{}
	for key, val := range obj {
		lkey := strings.ToLower(key)
		if nested, ok := val.(map[string]any); ok && (lkey == "data" || lkey == "values") {
			for k, v := range nested {
				if v != nil {
					values[strings.ToLower(k)] = fmt.Sprint(v)
				}
			}
			continue
		}
		if val == nil {
			continue
		}
		_, numeric[lkey] = val.(json.Number)
		flat[lkey] = fmt.Sprint(val)
	}
	fields := identity(flat)
	for k, v := range flat {
		if _, ok := normalize.SensorKeyOf(k); ok || numeric[k] {
			values[k] = v
		}
	}
	fields.Values = values
	return fields
}

func parsePlain(line string) *normalize.Fields {
	kv := map[string]string{}
	for _, match := range reKV.FindAllStringSubmatch(line, -1) {
		kv[strings.ToLower(match[1])] = match[2]
	}
	fields := identity(kv)
	fields.Values = kv
	return fields
}

func identity(m map[string]string) *normalize.Fields {
	return &normalize.Fields{
		SID:     firstNonEmpty(m, "sid", "id", "device", "device_id", "sensor_id"),
		Peer:    firstNonEmpty(m, "peer", "ip"),
		Version: firstNonEmpty(m, "version", "ver", "fw", "firmware"),
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// CSVParser reads records against a header line that must name the sid
// column.
type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Parse(line string) (*normalize.Fields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	if p.header == nil {
		return nil, fmt.Errorf("csv record before header")
	}
	row := make(map[string]string, len(p.header))
	for i, name := range p.header {
		if i >= len(record) {
			break
		}
		if v := strings.TrimSpace(record[i]); v != "" {
			row[name] = v
		}
	}
	fields := identity(row)
	fields.Values = row
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "sid", "device", "device_id", "sensor_id":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
