package filter

import (
	"testing"

	"github.com/dhcgn/mbox-threader/model"
)

func headerMsg(subject, from string) model.Message {
	return model.Message{
		Headers: map[string][]string{
			"Subject": {subject},
			"From":    {from},
		},
	}
}

func TestFilter_Allows_IncludeMode(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"Subject: Test"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(headerMsg("Test Message", "sender@example.com")) {
		t.Error("Expected message to be allowed (header matches)")
	}
	if f.Allows(headerMsg("Other", "sender@example.com")) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	f, err := New(Options{ExcludeHeader: []string{"spam"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if !f.Allows(headerMsg("Normal Message", "sender@example.com")) {
		t.Error("Expected message to be allowed (no spam)")
	}
	if f.Allows(headerMsg("This is spam", "spammer@example.com")) {
		t.Error("Expected message to be filtered out (contains spam)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	_, err := New(Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	})
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	f, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !f.Allows(headerMsg("Any Message", "anyone@example.com")) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{"important"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	match := model.Message{BodyText: "This is an important message"}
	noMatch := model.Message{BodyText: "This is a regular message"}

	if !f.Allows(match) {
		t.Error("Expected message to be allowed (body matches)")
	}
	if f.Allows(noMatch) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}

func TestFilter_HTMLBodyFiltering(t *testing.T) {
	f, err := New(Options{ExcludeBody: []string{"unsubscribe"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	newsletter := model.Message{BodyHTML: "<a href=\"#\">unsubscribe</a>"}
	if f.Allows(newsletter) {
		t.Error("Expected HTML body to be matched by exclude patterns")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeHeader: []string{"[invalid"}}); err == nil {
		t.Error("Expected error for an invalid regex pattern")
	}
}

func TestFilter_HitCounting(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"Subject: Test"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows(headerMsg("Test one", "a@example.com"))
	f.Allows(headerMsg("Test two", "b@example.com"))
	f.Allows(headerMsg("no match", "c@example.com"))

	stats := f.GetStats()
	if stats.Hits["Subject: Test"] != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits["Subject: Test"])
	}
}
