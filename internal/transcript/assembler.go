// Package transcript reassembles streaming transcription fragments into a
// single running transcript.
package transcript

import "strings"

// Update is a transcript view ready to be sent to the client.
type Update struct {
	IsFinal bool
	Text    string
}

// Assembler merges delta fragments and completed utterances. Confirmed text
// only ever grows; at most one in-progress utterance is tracked, and a delta
// for a different utterance replaces the partial text instead of merging.
//
// The zero value is ready to use. It is not safe for concurrent use.
type Assembler struct {
	final        string
	utteranceID  string
	inUtterance  bool
	currentDelta string
}

// OnDelta appends fragment to the in-progress utterance and returns the
// interim view. ok is false when there is nothing to show.
func (a *Assembler) OnDelta(utteranceID, fragment string) (u Update, ok bool) {
	if fragment == "" {
		return Update{}, false
	}

	if !a.inUtterance || utteranceID != a.utteranceID {
		a.utteranceID = utteranceID
		a.inUtterance = true
		a.currentDelta = ""
	}
	a.currentDelta += fragment

	text := a.currentDelta
	if a.final != "" {
		text = a.final + " " + a.currentDelta
	}
	if strings.TrimSpace(text) == "" {
		return Update{}, false
	}
	return Update{IsFinal: false, Text: text}, true
}

// OnCompleted confirms an utterance and returns the full final transcript.
// Blank text is ignored.
func (a *Assembler) OnCompleted(text string) (u Update, ok bool) {
	if strings.TrimSpace(text) == "" {
		return Update{}, false
	}

	if a.final == "" {
		a.final = text
	} else {
		a.final += " " + text
	}
	a.utteranceID = ""
	a.inUtterance = false
	a.currentDelta = ""

	return Update{IsFinal: true, Text: a.final}, true
}

// Final returns the confirmed transcript so far.
func (a *Assembler) Final() string {
	return a.final
}

// Pending returns the in-progress utterance id and its accumulated text.
func (a *Assembler) Pending() (utteranceID, text string, ok bool) {
	return a.utteranceID, a.currentDelta, a.inUtterance
}
