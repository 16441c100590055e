package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderEditorAssignedTemplate(t *testing.T) {
	data := AssignmentData{
		AppName:       "Paperflow",
		UserName:      "Kim Minsu",
		DocumentTitle: "Kim Minsu_Databases Work Log",
		AssignedBy:    "Prof. Lee",
		DocumentURL:   "https://example.com/documents/doc-1",
	}

	html, err := renderTemplate(editorAssignedEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Paperflow") {
		t.Error("template should contain app name")
	}
	if !strings.Contains(html, "Kim Minsu_Databases Work Log") {
		t.Error("template should contain document title")
	}
	if !strings.Contains(html, "Prof. Lee") {
		t.Error("template should name the assigner")
	}
	if !strings.Contains(html, "https://example.com/documents/doc-1") {
		t.Error("template should contain document URL")
	}
}

func TestRenderReviewerAssignedTemplate(t *testing.T) {
	data := AssignmentData{
		AppName:       "Paperflow",
		UserName:      "Prof. Choi",
		DocumentTitle: "Quarterly Report",
		AssignedBy:    "Kim Minsu",
		DocumentURL:   "https://example.com/documents/doc-2",
	}

	html, err := renderTemplate(reviewerAssignedEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Prof. Choi") {
		t.Error("template should contain reviewer name")
	}
	if !strings.Contains(html, "Quarterly Report") {
		t.Error("template should contain document title")
	}
}

func TestRenderDeadlineReminderTemplate(t *testing.T) {
	data := DeadlineReminderData{
		AppName:       "Paperflow",
		UserName:      "Kim Minsu",
		DocumentTitle: "Work Log",
		Deadline:      "2026-09-02",
		DocumentURL:   "https://example.com/documents/doc-3",
	}

	html, err := renderTemplate(deadlineReminderEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "2026-09-02") {
		t.Error("template should contain the deadline")
	}
}

func TestRenderSigningRequestTemplate(t *testing.T) {
	data := SigningRequestData{
		AppName:       "Paperflow",
		SignerEmail:   "signer@example.com",
		DocumentTitle: "Contract",
		SigningURL:    "https://example.com/sign?token=abc123",
		ExpiresIn:     "7 days",
	}

	html, err := renderTemplate(signingRequestEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "https://example.com/sign?token=abc123") {
		t.Error("template should contain signing URL")
	}
	if !strings.Contains(html, "7 days") {
		t.Error("template should mention expiration time")
	}
}
