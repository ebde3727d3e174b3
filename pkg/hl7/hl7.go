// Package hl7 is a minimal HL7 v2 (ER7 encoding) parser used to hand agent
// payloads to bots as structured messages.
package hl7

import (
	"errors"
	"strings"
	"time"
)

// ErrInvalidMessage is returned when text does not start with an MSH segment.
var ErrInvalidMessage = errors.New("hl7: message must start with an MSH segment")

// segmentSeparator is the ER7 segment terminator used when serialising.
const segmentSeparator = "\r"

// Message is a parsed HL7 v2 message.
type Message struct {
	Segments []*Segment

	fieldSep     string
	encodingChar string
}

// Segment is one segment of a message. Fields[0] is the segment name.
type Segment struct {
	Name   string
	Fields []string

	sep string
	msh bool
}

// Parse splits an ER7 message into segments and fields. Segments may be
// terminated by CR, LF or CRLF.
func Parse(text string) (*Message, error) {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	lines := strings.Split(strings.Trim(text, "\r"), "\r")
	if len(lines) == 0 || len(lines[0]) < 8 || !strings.HasPrefix(lines[0], "MSH") {
		return nil, ErrInvalidMessage
	}

	fieldSep := lines[0][3:4]
	rest := lines[0][4:]
	encoding := rest
	if i := strings.Index(rest, fieldSep); i >= 0 {
		encoding = rest[:i]
	}

	msg := &Message{fieldSep: fieldSep, encodingChar: encoding}
	for _, line := range lines {
		if line == "" {
			continue
		}
		fields := strings.Split(line, fieldSep)
		msg.Segments = append(msg.Segments, &Segment{
			Name:   fields[0],
			Fields: fields,
			sep:    fieldSep,
			msh:    fields[0] == "MSH",
		})
	}
	return msg, nil
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for _, s := range m.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// GetAllSegments returns every segment with the given name.
func (m *Message) GetAllSegments(name string) []*Segment {
	var out []*Segment
	for _, s := range m.Segments {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// ToString serialises the message back to ER7 with CR segment terminators.
func (m *Message) ToString() string {
	parts := make([]string, len(m.Segments))
	for i, s := range m.Segments {
		parts[i] = strings.Join(s.Fields, m.fieldSep)
	}
	return strings.Join(parts, segmentSeparator)
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	return m.ToString()
}

// ControlID returns MSH-10.
func (m *Message) ControlID() string {
	if msh := m.GetSegment("MSH"); msh != nil {
		return msh.GetField(10)
	}
	return ""
}

// BuildAck returns an application-accept (AA) acknowledgement for the
// message with sending and receiving applications swapped.
func (m *Message) BuildAck() *Message {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return nil
	}
	sep := m.fieldSep
	controlID := msh.GetField(10)
	ackMSH := strings.Join([]string{
		"MSH",
		m.encodingChar,
		msh.GetField(5), // sending application <- receiving application
		msh.GetField(6),
		msh.GetField(3),
		msh.GetField(4),
		time.Now().UTC().Format("20060102150405"),
		"",
		"ACK",
		controlID,
		msh.GetField(11),
		msh.GetField(12),
	}, sep)
	ack, _ := Parse(ackMSH + segmentSeparator + "MSA" + sep + "AA" + sep + controlID)
	return ack
}

// GetField returns field i using HL7 numbering. For MSH, MSH-1 is the field
// separator itself and MSH-2 the encoding characters.
func (s *Segment) GetField(i int) string {
	if s.msh {
		switch {
		case i == 1:
			return s.sep
		case i >= 2:
			i--
		}
	}
	if i < 0 || i >= len(s.Fields) {
		return ""
	}
	return s.Fields[i]
}

// GetComponent returns component j (1-based) of field i.
func (s *Segment) GetComponent(i, j int) string {
	parts := strings.Split(s.GetField(i), "^")
	if j < 1 || j > len(parts) {
		return ""
	}
	return parts[j-1]
}

// ToString serialises the segment.
func (s *Segment) ToString() string {
	return strings.Join(s.Fields, s.sep)
}
