package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// QC is the quality-control state of a frame, product or result.
type QC int

const (
	QCGood QC = iota + 1
	QCPartial
	QCBad
	QCUnknown
)

var qcNames = map[QC]string{
	QCGood:    "GOOD",
	QCPartial: "PARTIAL",
	QCBad:     "BAD",
	QCUnknown: "UNKNOWN",
}

func (q QC) String() string {
	if name, ok := qcNames[q]; ok {
		return name
	}
	return qcNames[QCUnknown]
}

// ParseQC accepts the enum name in any case. The empty string is UNKNOWN.
func ParseQC(s string) (QC, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return QCUnknown, nil
	}
	for q, name := range qcNames {
		if name == s {
			return q, nil
		}
	}
	return QCUnknown, fmt.Errorf("unknown quality control state %q", s)
}

func (q QC) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *QC) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseQC(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func (q QC) MarshalYAML() (any, error) {
	return q.String(), nil
}
