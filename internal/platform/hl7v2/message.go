package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Profile      string    // MSH-21 message profile identifier
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^) of the first repetition
	Repeats    [][]string // Repetition-separated (~), each with components
}

const (
	componentSep    = "^"
	repetitionSep   = "~"
	subcomponentSep = "&"
)

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	lines := SplitSegments(string(raw))
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg, nil
}

// SplitSegments normalizes line endings and returns the non-blank segment lines.
func SplitSegments(text string) []string {
	text = NormalizeLineEndings(text)
	var out []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// NormalizeLineEndings rewrites \r\n and \n to the HL7 segment terminator \r.
func NormalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	return strings.ReplaceAll(text, "\n", "\r")
}

func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH-1 is the field separator itself, so MSH fields are shifted by one.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}
		fieldSep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: fieldSep, Components: []string{fieldSep}})
		for _, part := range strings.Split(line[4:], fieldSep) {
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, repetitionSep) {
		f.Repeats = append(f.Repeats, strings.Split(rep, componentSep))
	}
	f.Components = f.Repeats[0]
	return f
}

func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts, time.UTC); err == nil {
			m.Timestamp = t
		}
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
	m.Profile = msh.GetField(21)
}

// SendingApplication returns MSH-3.1, the namespace id of the sending application.
func (m *Message) SendingApplication() string {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return ""
	}
	return strings.TrimSpace(msh.GetComponent(3, 1))
}

// TypeParts splits MSH-9 into message code and trigger event.
func (m *Message) TypeParts() (code, trigger string) {
	parts := strings.Split(m.Type, componentSep)
	code = parts[0]
	if len(parts) > 1 {
		trigger = parts[1]
	}
	return code, trigger
}

// ParseTimestamp parses an HL7v2 TS/DTM value
// (YYYY[MM[DD[HH[MM[SS[.S+]]]]]][+/-ZZZZ]). Values without an offset are
// interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}

	var offset string
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		s, offset = s[:i], s[i:]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}

	var layout string
	switch len(s) {
	case 14:
		layout = "20060102150405"
	case 12:
		layout = "200601021504"
	case 10:
		layout = "2006010215"
	case 8:
		layout = "20060102"
	case 6:
		layout = "200601"
	case 4:
		layout = "2006"
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s+offset)
	}

	if offset != "" {
		if len(offset) != 5 {
			return time.Time{}, fmt.Errorf("hl7v2: invalid timezone offset: %q", offset)
		}
		return time.Parse(layout+"-0700", s+offset)
	}
	return time.ParseInLocation(layout, s, loc)
}

// ParseTime parses an HL7v2 TM value (HH[MM[SS[.S+]]]) as a time of day on
// the zero date.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "+-."); i >= 0 {
		s = s[:i]
	}
	switch len(s) {
	case 6:
		return time.Parse("150405", s)
	case 4:
		return time.Parse("1504", s)
	case 2:
		return time.Parse("15", s)
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized time format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index. For MSH,
// MSH-1 is the field separator so GetField(3) is the sending application.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a component of the first repetition by 1-based
// field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	return s.RepComponent(fieldIdx, 0, compIdx)
}

// RepComponent returns a component of the rep-th (0-based) repetition.
func (s *Segment) RepComponent(fieldIdx, rep, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil || rep < 0 || rep >= len(f.Repeats) {
		return ""
	}
	comps := f.Repeats[rep]
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

// Repetitions returns the repetitions of a field, each split into components.
// An empty or missing field has no repetitions.
func (s *Segment) Repetitions(fieldIdx int) [][]string {
	f := s.field(fieldIdx)
	if f == nil || f.Value == "" {
		return nil
	}
	return f.Repeats
}

// FirstSubcomponent cuts a value at the first component or subcomponent separator.
func FirstSubcomponent(value string) string {
	if i := strings.IndexAny(value, componentSep+subcomponentSep); i >= 0 {
		return value[:i]
	}
	return value
}

// String re-encodes the segment with the default delimiters.
func (s Segment) String() string {
	return serializeSegment(s)
}
