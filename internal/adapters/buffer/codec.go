package buffer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ghalamif/AegisRelay/internal/domain"
)

// codec is the explicit column layout of one buffered kind. Every line
// starts with entry_id, device_id and timestamp; fields follow in the order
// encode emits them.
type codec struct {
	prefix string
	width  int
	encode func(b domain.Body) []string
	decode func(f *fields) domain.Body
}

var codecs = map[domain.Kind]codec{
	domain.KindConnection: {
		prefix: "connection_definitions",
		width:  3,
		encode: func(b domain.Body) []string {
			c := b.(*domain.ConnectionDefinition)
			return []string{c.Address, itoa(int64(c.Port)), c.PhysicalAddress}
		},
		decode: func(f *fields) domain.Body {
			return &domain.ConnectionDefinition{Address: f.str(), Port: int(f.int()), PhysicalAddress: f.str()}
		},
	},
	domain.KindAgent: {
		prefix: "agent_definitions",
		width:  5,
		encode: func(b domain.Body) []string {
			a := b.(*domain.AgentDefinition)
			return []string{itoa(a.InstanceID), a.Sender, a.Version, itoa(a.BufferSize), strconv.FormatBool(a.TestIndicator)}
		},
		decode: func(f *fields) domain.Body {
			return &domain.AgentDefinition{InstanceID: f.int(), Sender: f.str(), Version: f.str(), BufferSize: f.int(), TestIndicator: f.bool()}
		},
	},
	domain.KindAsset: {
		prefix: "asset_definitions",
		width:  4,
		encode: func(b domain.Body) []string {
			a := b.(*domain.AssetDefinition)
			return []string{itoa(a.AgentInstanceID), a.ID, a.Type, a.XML}
		},
		decode: func(f *fields) domain.Body {
			return &domain.AssetDefinition{AgentInstanceID: f.int(), ID: f.str(), Type: f.str(), XML: f.str()}
		},
	},
	domain.KindComponent: {
		prefix: "component_definitions",
		width:  9,
		encode: func(b domain.Body) []string {
			c := b.(*domain.ComponentDefinition)
			return []string{itoa(c.AgentInstanceID), c.ParentID, c.Type, c.ID, c.UUID, c.Name, c.NativeName, ftoa(c.SampleInterval), ftoa(c.SampleRate)}
		},
		decode: func(f *fields) domain.Body {
			return &domain.ComponentDefinition{
				AgentInstanceID: f.int(), ParentID: f.str(), Type: f.str(), ID: f.str(), UUID: f.str(),
				Name: f.str(), NativeName: f.str(), SampleInterval: f.float(), SampleRate: f.float(),
			}
		},
	},
	domain.KindDataItem: {
		prefix: "data_item_definitions",
		width:  15,
		encode: func(b domain.Body) []string {
			d := b.(*domain.DataItemDefinition)
			return []string{
				itoa(d.AgentInstanceID), d.ParentID, d.ID, d.Name, d.Category, d.Type, d.SubType, d.Statistic,
				d.Units, d.NativeUnits, d.NativeScale, d.CoordinateSystem, ftoa(d.SampleRate), d.Representation,
				itoa(int64(d.SignificantDigits)),
			}
		},
		decode: func(f *fields) domain.Body {
			return &domain.DataItemDefinition{
				AgentInstanceID: f.int(), ParentID: f.str(), ID: f.str(), Name: f.str(), Category: f.str(),
				Type: f.str(), SubType: f.str(), Statistic: f.str(), Units: f.str(), NativeUnits: f.str(),
				NativeScale: f.str(), CoordinateSystem: f.str(), SampleRate: f.float(), Representation: f.str(),
				SignificantDigits: int(f.int()),
			}
		},
	},
	domain.KindDevice: {
		prefix: "device_definitions",
		width:  13,
		encode: func(b domain.Body) []string {
			d := b.(*domain.DeviceDefinition)
			return []string{
				itoa(d.AgentInstanceID), d.ID, d.UUID, d.Name, d.NativeName, ftoa(d.SampleInterval), ftoa(d.SampleRate),
				d.ISO841Class, d.Manufacturer, d.Model, d.SerialNumber, d.Station, d.Description,
			}
		},
		decode: func(f *fields) domain.Body {
			return &domain.DeviceDefinition{
				AgentInstanceID: f.int(), ID: f.str(), UUID: f.str(), Name: f.str(), NativeName: f.str(),
				SampleInterval: f.float(), SampleRate: f.float(), ISO841Class: f.str(), Manufacturer: f.str(),
				Model: f.str(), SerialNumber: f.str(), Station: f.str(), Description: f.str(),
			}
		},
	},
	domain.KindSample: {
		prefix: "samples",
		width:  6,
		encode: func(b domain.Body) []string {
			s := b.(*domain.Sample)
			return []string{s.ID, itoa(s.AgentInstanceID), itoa(s.Sequence), s.CDATA, s.Condition, s.Capture.String()}
		},
		decode: func(f *fields) domain.Body {
			return &domain.Sample{
				ID: f.str(), AgentInstanceID: f.int(), Sequence: f.int(), CDATA: f.str(), Condition: f.str(),
				Capture: domain.ParseCaptureTag(f.str()),
			}
		},
	},
}

const headerWidth = 3

// encodeRecord renders r as a single newline-terminated CSV line.
func encodeRecord(r *domain.Record) ([]byte, error) {
	c, ok := codecs[r.Kind()]
	if !ok {
		return nil, fmt.Errorf("no buffer codec for kind %s", r.Kind())
	}
	row := append([]string{r.EntryID, r.DeviceID, r.Timestamp.UTC().Format(time.RFC3339Nano)}, c.encode(r.Body())...)
	for i := range row {
		row[i] = escape(row[i])
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(row); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(kind domain.Kind, line string) (*domain.Record, error) {
	c, ok := codecs[kind]
	if !ok {
		return nil, fmt.Errorf("no buffer codec for kind %s", kind)
	}
	row, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return nil, err
	}
	if len(row) != headerWidth+c.width {
		return nil, fmt.Errorf("%s line has %d fields, want %d", kind, len(row), headerWidth+c.width)
	}
	for i := range row {
		row[i] = unescape(row[i])
	}
	if row[0] == "" {
		return nil, fmt.Errorf("%s line has no entry id", kind)
	}
	ts, err := time.Parse(time.RFC3339Nano, row[2])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	f := &fields{vals: row[headerWidth:]}
	body := c.decode(f)
	if f.err != nil {
		return nil, f.err
	}
	return domain.Restore(row[0], row[1], ts, body), nil
}

// entryID extracts the identity column without decoding the rest.
func entryID(line string) string {
	id, _, _ := strings.Cut(line, ",")
	return strings.Trim(id, `"`)
}

type fields struct {
	vals []string
	i    int
	err  error
}

func (f *fields) next() string {
	v := f.vals[f.i]
	f.i++
	return v
}

func (f *fields) str() string { return f.next() }

func (f *fields) int() int64 {
	v := f.next()
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("field %d: %w", f.i+headerWidth-1, err)
	}
	return n
}

func (f *fields) float() float64 {
	v := f.next()
	if v == "" {
		return 0
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("field %d: %w", f.i+headerWidth-1, err)
	}
	return n
}

func (f *fields) bool() bool {
	v := f.next()
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("field %d: %w", f.i+headerWidth-1, err)
	}
	return b
}

func itoa(n int64) string   { return strconv.FormatInt(n, 10) }
func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// escape keeps each value on one physical line of 7-bit ASCII. Backslash,
// CR and LF get two-character escapes; non-ASCII runes become \uXXXX, or
// \UXXXXXXXX outside the BMP.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r < utf8.RuneSelf:
			b.WriteRune(r)
		case r <= 0xFFFF:
			fmt.Fprintf(&b, `\u%04X`, r)
		default:
			fmt.Fprintf(&b, `\U%08X`, r)
		}
	}
	return b.String()
}

// unescape reverses escape. Unknown or truncated sequences are kept
// literally.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case '\\':
			b.WriteByte('\\')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		case 'r':
			b.WriteByte('\r')
			i++
		case 'u', 'U':
			width := 4
			if s[i+1] == 'U' {
				width = 8
			}
			if i+2+width > len(s) {
				b.WriteByte(c)
				continue
			}
			v, err := strconv.ParseUint(s[i+2:i+2+width], 16, 32)
			if err != nil || !utf8.ValidRune(rune(v)) {
				b.WriteByte(c)
				continue
			}
			b.WriteRune(rune(v))
			i += 1 + width
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
