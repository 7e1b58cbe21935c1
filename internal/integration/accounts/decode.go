package accounts

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"remindbot/internal/reminder"
)

// flexValue accepts a JSON string or number and keeps its text.
type flexValue string

func (v *flexValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = flexValue(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = flexValue(n.String())
	return nil
}

// weekdayList accepts ["Monday","Thursday"] or "Monday,Thursday".
type weekdayList []string

func (w *weekdayList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*w = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var raw []flexValue
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			if s := strings.TrimSpace(string(r)); s != "" {
				out = append(out, s)
			}
		}
		*w = out
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*w = out
	return nil
}

type wireSession struct {
	ID         flexValue   `json:"id"`
	Date       string      `json:"date"`
	Time       string      `json:"time"`
	Recurrence string      `json:"recurrence"`
	DaysOfWeek weekdayList `json:"days_of_week"`
	Profile    flexValue   `json:"profile"`
}

// decodeSessions accepts a bare list or a paginated {"results": [...]} envelope.
func decodeSessions(body []byte) ([]reminder.SessionRecord, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	var list []wireSession
	if body[0] == '{' {
		var env struct {
			Results *[]wireSession `json:"results"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		if env.Results == nil {
			return nil, errors.New("object without results")
		}
		list = *env.Results
	} else if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}

	out := make([]reminder.SessionRecord, 0, len(list))
	for _, w := range list {
		out = append(out, reminder.SessionRecord{
			ID:         string(w.ID),
			Date:       strings.TrimSpace(w.Date),
			Time:       strings.TrimSpace(w.Time),
			Recurrence: strings.TrimSpace(w.Recurrence),
			DaysOfWeek: []string(w.DaysOfWeek),
			Profile:    string(w.Profile),
		})
	}
	return out, nil
}
