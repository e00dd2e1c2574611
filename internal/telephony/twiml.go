package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// EmptyResponse is the no-op TwiML acknowledgement for callbacks.
const EmptyResponse = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" + `<Response></Response>`

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

// Say speaks text to the callee.
type Say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

// Pause waits before the next verb.
type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr,omitempty"`
}

// Hangup ends the call.
type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// ConferenceDial puts the callee into a named room the agent joins from the dashboard.
type ConferenceDial struct {
	XMLName xml.Name        `xml:"Dial"`
	Room    conferenceInner `xml:"Conference"`
}

type conferenceInner struct {
	Name                   string `xml:",chardata"`
	StartConferenceOnEnter bool   `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit    bool   `xml:"endConferenceOnExit,attr"`
	WaitURL                string `xml:"waitUrl,attr,omitempty"`
}

// BridgeRoom returns the TwiML that parks an answered callee in room until
// an agent joins; the room closes when the callee leaves.
func BridgeRoom(room, waitURL string) ConferenceDial {
	return ConferenceDial{Room: conferenceInner{
		Name:                   room,
		StartConferenceOnEnter: false,
		EndConferenceOnExit:    true,
		WaitURL:                waitURL,
	}}
}

// RenderTwiML encodes verbs into a TwiML document.
func RenderTwiML(verbs ...any) (string, error) {
	r := twimlResponse{}
	for _, v := range verbs {
		switch vv := v.(type) {
		case Say:
			if strings.TrimSpace(vv.Text) == "" {
				return "", errors.New("telephony: say requires text")
			}
		case ConferenceDial:
			if strings.TrimSpace(vv.Room.Name) == "" {
				return "", errors.New("telephony: conference requires a room")
			}
		case Pause, Hangup:
		default:
			return "", errors.New("telephony: unsupported twiml verb")
		}
		r.Verbs = append(r.Verbs, v)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
