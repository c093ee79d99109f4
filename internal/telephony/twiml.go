package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TwiML builder. It intentionally avoids any vendor SDK dependency.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName     xml.Name `xml:"Gather"`
	Input       string   `xml:"input,attr,omitempty"`
	Action      string   `xml:"action,attr,omitempty"`
	Method      string   `xml:"method,attr,omitempty"`
	NumDigits   string   `xml:"numDigits,attr,omitempty"`
	Timeout     string   `xml:"timeout,attr,omitempty"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
	Language    string   `xml:"language,attr,omitempty"`
	Prompt      []any
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr,omitempty"`
	URL     string   `xml:",chardata"`
}

type twimlDial struct {
	XMLName xml.Name  `xml:"Dial"`
	Action  string    `xml:"action,attr,omitempty"`
	Number  string    `xml:"Number,omitempty"`
	Sip     *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

type twimlRecord struct {
	XMLName   xml.Name `xml:"Record"`
	MaxLength string   `xml:"maxLength,attr,omitempty"`
	PlayBeep  string   `xml:"playBeep,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// twimlURLs are the callback endpoints embedded in rendered verbs.
type twimlURLs struct {
	Gather string
	Dial   string
	Record string
}

// renderTwiML renders actions as a TwiML document. A gather is followed by a
// redirect back to the gather callback with timeout=1 so silence is reported
// as an input timeout instead of falling through.
func renderTwiML(actions []Action, urls twimlURLs) (string, error) {
	var r twimlResponse
	for i, a := range actions {
		switch a.Type {
		case ActionPlay:
			v, err := promptVerb(a)
			if err != nil {
				return "", err
			}
			r.Verbs = append(r.Verbs, v)
		case ActionGather:
			action := urls.Gather
			if seq := a.Params["seq"]; seq != "" && action != "" {
				action = withQuery(action, "seq="+seq)
			}
			g := twimlGather{
				Input:       "dtmf",
				Action:      action,
				Method:      "POST",
				FinishOnKey: a.FinishOnKey,
				Language:    a.Language,
			}
			if a.Speech {
				g.Input = "dtmf speech"
			}
			if a.MaxDigits > 0 {
				g.NumDigits = strconv.Itoa(a.MaxDigits)
			}
			if a.Timeout > 0 {
				g.Timeout = strconv.Itoa(int(a.Timeout.Seconds()))
			}
			if a.Prompt != "" || a.Text != "" {
				v, err := promptVerb(a)
				if err != nil {
					return "", err
				}
				g.Prompt = append(g.Prompt, v)
			}
			r.Verbs = append(r.Verbs, g)
			if action != "" {
				r.Verbs = append(r.Verbs, twimlRedirect{Method: "POST", URL: withQuery(action, "timeout=1")})
			}
		case ActionTransfer:
			if strings.TrimSpace(a.Target) == "" {
				return "", errors.New("telephony: transfer target required")
			}
			d := twimlDial{Action: urls.Dial}
			// Prefer SIP if it looks like sip:... otherwise treat as a PSTN number.
			if strings.HasPrefix(strings.ToLower(a.Target), "sip:") {
				d.Sip = &twimlSip{URI: a.Target}
			} else {
				d.Number = a.Target
			}
			r.Verbs = append(r.Verbs, d)
		case ActionRecord:
			rec := twimlRecord{PlayBeep: "true", Action: urls.Record}
			if a.MaxLength > 0 {
				rec.MaxLength = strconv.Itoa(int(a.MaxLength.Seconds()))
			}
			if a.Prompt != "" || a.Text != "" {
				v, err := promptVerb(a)
				if err != nil {
					return "", err
				}
				r.Verbs = append(r.Verbs, v)
			}
			r.Verbs = append(r.Verbs, rec)
		case ActionHangup:
			r.Verbs = append(r.Verbs, twimlHangup{})
		default:
			return "", fmt.Errorf("%w: %q at index %d", ErrUnsupportedAction, a.Type, i)
		}
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

func promptVerb(a Action) (any, error) {
	switch {
	case a.Prompt != "":
		return twimlPlay{URL: a.Prompt}, nil
	case a.Text != "":
		return twimlSay{Language: a.Language, Text: a.Text}, nil
	default:
		return nil, errors.New("telephony: play action needs prompt or text")
	}
}

func withQuery(u, q string) string {
	if strings.Contains(u, "?") {
		return u + "&" + q
	}
	return u + "?" + q
}
