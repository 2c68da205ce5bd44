package dav

import (
	"bytes"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"
)

// ExtractEventFields returns the UID and summary of the first VEVENT in a raw
// iCalendar payload. Missing fields yield empty strings; a payload that does
// not parse yields both empty. It never returns an error.
func ExtractEventFields(data string) (uid, summary string) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return "", ""
	}
	return extractCalendarFields(cal)
}

// extractCalendarFields pulls UID and SUMMARY from an already-decoded
// calendar.
func extractCalendarFields(cal *ical.Calendar) (uid, summary string) {
	for _, evt := range cal.Events() {
		if uid == "" {
			if v, err := evt.Props.Text(ical.PropUID); err == nil {
				uid = v
			}
		}
		if summary == "" {
			if v, err := evt.Props.Text(ical.PropSummary); err == nil {
				summary = v
			}
		}
		if uid != "" && summary != "" {
			break
		}
	}
	return uid, summary
}

// ExtractContactFields returns the UID and formatted name of a raw vCard
// payload. Missing fields yield empty strings; it never returns an error.
func ExtractContactFields(data string) (uid, name string) {
	card, err := vcard.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return "", ""
	}
	return card.Value(vcard.FieldUID), card.Value(vcard.FieldFormattedName)
}

// encodeCalendar encodes a calendar object to an iCalendar string.
func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}

// encodeCard encodes a vCard object to a string.
func encodeCard(card vcard.Card) string {
	if card == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return ""
	}
	return buf.String()
}
