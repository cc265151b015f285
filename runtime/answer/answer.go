// Package answer defines the tagged answer value union shared by the
// validator, resolver, router and stores. Exactly one answer exists per
// (session, question); resubmitting a page replaces all of its answers
// atomically.
package answer

import (
	"encoding/json"
	"time"
)

type (
	// Value is the tagged union of answer shapes. At most one family of
	// fields is populated per question kind; the validator dispatches on
	// the question type, not on which fields are set.
	Value struct {
		// Choices holds selected option values for choice kinds.
		Choices []string `json:"choices,omitempty"`
		// Text holds free-text input.
		Text *string `json:"textValue,omitempty"`
		// Numeric holds integer-valued kinds (number, slider, opinion
		// scale).
		Numeric *float64 `json:"numericValue,omitempty"`
		// Decimal holds decimal input.
		Decimal *float64 `json:"decimalValue,omitempty"`
		// Boolean holds consent / yes-no input.
		Boolean *bool `json:"booleanValue,omitempty"`
		// Email, Phone and URL hold format-checked text kinds.
		Email *string `json:"emailValue,omitempty"`
		Phone *string `json:"phoneValue,omitempty"`
		URL   *string `json:"urlValue,omitempty"`
		// Date is an RFC 3339 date, Time a "15:04" clock time, DateTime an
		// RFC 3339 timestamp; all kept as strings and parsed on validation.
		Date     *string `json:"dateValue,omitempty"`
		Time     *string `json:"timeValue,omitempty"`
		DateTime *string `json:"datetimeValue,omitempty"`
		// FileURLs holds uploaded file locations.
		FileURLs []string `json:"fileUrls,omitempty"`
		// SignatureURL points at a captured signature image.
		SignatureURL *string `json:"signatureUrl,omitempty"`
		// PaymentID and PaymentStatus describe a payment question outcome.
		PaymentID     *string `json:"paymentId,omitempty"`
		PaymentStatus *string `json:"paymentStatus,omitempty"`
		// JSON holds structured payloads (matrix cells, ranks, contact
		// forms, constant sums).
		JSON json.RawMessage `json:"jsonValue,omitempty"`
	}

	// Answer ties a Value to its session and question.
	Answer struct {
		SessionID   string
		QuestionID  string
		PageID      string
		Value       Value
		SubmittedAt time.Time
	}
)

// IsEmpty reports whether the value carries no answer at all: every
// scalar nil, every collection empty. Empty is uniform across the union
// so "required" means the same thing for every kind.
func (v Value) IsEmpty() bool {
	if len(v.Choices) > 0 || len(v.FileURLs) > 0 || len(v.JSON) > 0 {
		return false
	}
	for _, s := range []*string{v.Text, v.Email, v.Phone, v.URL, v.Date, v.Time, v.DateTime, v.SignatureURL, v.PaymentID, v.PaymentStatus} {
		if s != nil && *s != "" {
			return false
		}
	}
	return v.Numeric == nil && v.Decimal == nil && v.Boolean == nil
}

// Primary returns the primary scalar of the value: the first choice when
// choices are present, otherwise the first non-nil of text, numeric,
// decimal, boolean, email, phone, url, date, time, datetime. Returns nil
// for empty values.
func (v Value) Primary() any {
	if len(v.Choices) > 0 {
		return v.Choices[0]
	}
	if v.Text != nil {
		return *v.Text
	}
	if v.Numeric != nil {
		return *v.Numeric
	}
	if v.Decimal != nil {
		return *v.Decimal
	}
	if v.Boolean != nil {
		return *v.Boolean
	}
	for _, s := range []*string{v.Email, v.Phone, v.URL, v.Date, v.Time, v.DateTime} {
		if s != nil {
			return *s
		}
	}
	return nil
}
