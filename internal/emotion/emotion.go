// Package emotion defines the closed emotion classification the language
// model emits and the presentation layer renders.
package emotion

import "strconv"

// Code is an emotion classification in [0,4]. The ordering carries no
// meaning beyond identity.
type Code int

const (
	Neutral   Code = 0
	Happy     Code = 1
	Sad       Code = 2
	Angry     Code = 3
	Surprised Code = 4
)

// ErrorTag marks fallback assistant messages recorded after a failed
// language-model call.
const ErrorTag = "error"

// FromID maps a raw emotion_id to a Code. Unknown or out-of-range values
// collapse to Neutral.
func FromID(id int) Code {
	if id < int(Neutral) || id > int(Surprised) {
		return Neutral
	}
	return Code(id)
}

// Parse maps a stored history tag back to a Code. Non-numeric tags
// (including the error marker and the empty string) are Neutral.
func Parse(tag string) Code {
	id, err := strconv.Atoi(tag)
	if err != nil {
		return Neutral
	}
	return FromID(id)
}

// Tag returns the string form used in persisted history.
func (c Code) Tag() string {
	return strconv.Itoa(int(c))
}

func (c Code) String() string {
	switch c {
	case Happy:
		return "happy"
	case Sad:
		return "sad"
	case Angry:
		return "angry"
	case Surprised:
		return "surprised"
	default:
		return "neutral"
	}
}
