// Package comparative provides structural comparison utilities for
// diffing two JSON responses within a configurable tolerance.
package comparative_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// CompareJSON compares two JSON responses and reports their differences.
func CompareJSON(a, b []byte, tolerances *Tolerances) ([]Difference, error) {
	var aData, bData interface{}

	if err := json.Unmarshal(a, &aData); err != nil {
		return nil, fmt.Errorf("failed to parse first response: %w", err)
	}

	if err := json.Unmarshal(b, &bData); err != nil {
		return nil, fmt.Errorf("failed to parse second response: %w", err)
	}

	var diffs []Difference
	compareValues("$", aData, bData, tolerances, &diffs)
	return diffs, nil
}

// Difference represents a difference between two values.
type Difference struct {
	Path     string
	Type     DiffType
	AValue   interface{}
	BValue   interface{}
	Severity Severity
}

// DiffType describes the type of difference.
type DiffType string

const (
	DiffTypeValueMismatch DiffType = "value_mismatch"
	DiffTypeMissingInA    DiffType = "missing_in_a"
	DiffTypeMissingInB    DiffType = "missing_in_b"
	DiffTypeTypeMismatch  DiffType = "type_mismatch"
)

// Severity describes the importance of a difference.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Tolerances defines acceptable differences.
type Tolerances struct {
	IgnorePaths      []string
	KnownDifferences map[string]Severity
}

// DefaultTolerances returns sensible defaults.
func DefaultTolerances() *Tolerances {
	return &Tolerances{
		IgnorePaths: []string{
			"$.time.created",
			"$.time.updated",
			"$.id",
		},
		KnownDifferences: map[string]Severity{
			"$.version": SeverityInfo,
		},
	}
}

// ShouldIgnore checks if a path should be ignored.
func (t *Tolerances) ShouldIgnore(path string) bool {
	for _, p := range t.IgnorePaths {
		if p == path {
			return true
		}
	}
	return false
}

// GetSeverity returns the severity for a difference.
func (t *Tolerances) GetSeverity(path string, diffType DiffType) Severity {
	if sev, ok := t.KnownDifferences[path]; ok {
		return sev
	}

	switch diffType {
	case DiffTypeMissingInB:
		return SeverityCritical
	case DiffTypeMissingInA:
		return SeverityWarning
	case DiffTypeTypeMismatch:
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// compareValues recursively compares two values.
func compareValues(path string, a, b interface{}, tolerances *Tolerances, diffs *[]Difference) {
	if tolerances != nil && tolerances.ShouldIgnore(path) {
		return
	}

	if a == nil && b == nil {
		return
	}

	if a == nil {
		*diffs = append(*diffs, Difference{
			Path:     path,
			Type:     DiffTypeMissingInA,
			BValue:   b,
			Severity: tolerances.GetSeverity(path, DiffTypeMissingInA),
		})
		return
	}

	if b == nil {
		*diffs = append(*diffs, Difference{
			Path:     path,
			Type:     DiffTypeMissingInB,
			AValue:   a,
			Severity: tolerances.GetSeverity(path, DiffTypeMissingInB),
		})
		return
	}

	aMap, aIsMap := a.(map[string]interface{})
	bMap, bIsMap := b.(map[string]interface{})
	if aIsMap && bIsMap {
		compareObjects(path, aMap, bMap, tolerances, diffs)
		return
	}

	aSlice, aIsSlice := a.([]interface{})
	bSlice, bIsSlice := b.([]interface{})
	if aIsSlice && bIsSlice {
		compareArrays(path, aSlice, bSlice, tolerances, diffs)
		return
	}

	if a != b {
		*diffs = append(*diffs, Difference{
			Path:     path,
			Type:     DiffTypeValueMismatch,
			AValue:   a,
			BValue:   b,
			Severity: tolerances.GetSeverity(path, DiffTypeValueMismatch),
		})
	}
}

// compareObjects compares two maps.
func compareObjects(path string, a, b map[string]interface{}, tolerances *Tolerances, diffs *[]Difference) {
	allKeys := make(map[string]bool)
	for k := range a {
		allKeys[k] = true
	}
	for k := range b {
		allKeys[k] = true
	}

	for key := range allKeys {
		keyPath := path + "." + key
		aVal, aOk := a[key]
		bVal, bOk := b[key]

		if !aOk {
			if !tolerances.ShouldIgnore(keyPath) {
				*diffs = append(*diffs, Difference{
					Path:     keyPath,
					Type:     DiffTypeMissingInA,
					BValue:   bVal,
					Severity: tolerances.GetSeverity(keyPath, DiffTypeMissingInA),
				})
			}
			continue
		}
		if !bOk {
			if !tolerances.ShouldIgnore(keyPath) {
				*diffs = append(*diffs, Difference{
					Path:     keyPath,
					Type:     DiffTypeMissingInB,
					AValue:   aVal,
					Severity: tolerances.GetSeverity(keyPath, DiffTypeMissingInB),
				})
			}
			continue
		}

		compareValues(keyPath, aVal, bVal, tolerances, diffs)
	}
}

// compareArrays compares two slices.
func compareArrays(path string, a, b []interface{}, tolerances *Tolerances, diffs *[]Difference) {
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	for i := 0; i < maxLen; i++ {
		elemPath := fmt.Sprintf("%s[%d]", path, i)

		if i >= len(a) {
			*diffs = append(*diffs, Difference{
				Path:     elemPath,
				Type:     DiffTypeMissingInA,
				BValue:   b[i],
				Severity: tolerances.GetSeverity(elemPath, DiffTypeMissingInA),
			})
			continue
		}
		if i >= len(b) {
			*diffs = append(*diffs, Difference{
				Path:     elemPath,
				Type:     DiffTypeMissingInB,
				AValue:   a[i],
				Severity: tolerances.GetSeverity(elemPath, DiffTypeMissingInB),
			})
			continue
		}

		compareValues(elemPath, a[i], b[i], tolerances, diffs)
	}
}

// FilterBySeverity filters differences by severity.
func FilterBySeverity(diffs []Difference, severity Severity) []Difference {
	var filtered []Difference
	for _, d := range diffs {
		if d.Severity == severity {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

var _ = Describe("JSON response comparison", func() {
	Describe("JSON Comparison", func() {
		It("should detect value mismatches", func() {
			a := []byte(`{"name": "alice", "age": 30}`)
			b := []byte(`{"name": "bob", "age": 30}`)

			diffs, err := CompareJSON(a, b, DefaultTolerances())
			Expect(err).NotTo(HaveOccurred())
			Expect(len(diffs)).To(Equal(1))
			Expect(diffs[0].Path).To(Equal("$.name"))
			Expect(diffs[0].Type).To(Equal(DiffTypeValueMismatch))
		})

		It("should detect fields missing from the second response", func() {
			a := []byte(`{"name": "alice", "email": "alice@test.com"}`)
			b := []byte(`{"name": "alice"}`)

			diffs, err := CompareJSON(a, b, DefaultTolerances())
			Expect(err).NotTo(HaveOccurred())
			Expect(len(diffs)).To(Equal(1))
			Expect(diffs[0].Type).To(Equal(DiffTypeMissingInB))
		})

		It("should detect fields missing from the first response", func() {
			a := []byte(`{"name": "alice"}`)
			b := []byte(`{"name": "alice", "extra": "field"}`)

			diffs, err := CompareJSON(a, b, DefaultTolerances())
			Expect(err).NotTo(HaveOccurred())
			Expect(len(diffs)).To(Equal(1))
			Expect(diffs[0].Type).To(Equal(DiffTypeMissingInA))
		})

		It("should ignore configured paths", func() {
			a := []byte(`{"id": "a-123", "name": "alice"}`)
			b := []byte(`{"id": "b-456", "name": "alice"}`)

			tolerances := DefaultTolerances()
			diffs, err := CompareJSON(a, b, tolerances)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(diffs)).To(Equal(0))
		})

		It("should compare nested objects", func() {
			a := []byte(`{"user": {"name": "alice", "settings": {"theme": "dark"}}}`)
			b := []byte(`{"user": {"name": "alice", "settings": {"theme": "light"}}}`)

			diffs, err := CompareJSON(a, b, DefaultTolerances())
			Expect(err).NotTo(HaveOccurred())
			Expect(len(diffs)).To(Equal(1))
			Expect(diffs[0].Path).To(Equal("$.user.settings.theme"))
		})

		It("should compare arrays", func() {
			a := []byte(`{"items": [1, 2, 3]}`)
			b := []byte(`{"items": [1, 2, 4]}`)

			diffs, err := CompareJSON(a, b, DefaultTolerances())
			Expect(err).NotTo(HaveOccurred())
			Expect(len(diffs)).To(Equal(1))
			Expect(diffs[0].Path).To(Equal("$.items[2]"))
		})
	})

	Describe("Tolerances", func() {
		It("should correctly assign severity", func() {
			tolerances := DefaultTolerances()

			Expect(tolerances.GetSeverity("$.unknown", DiffTypeMissingInB)).To(Equal(SeverityCritical))
			Expect(tolerances.GetSeverity("$.unknown", DiffTypeMissingInA)).To(Equal(SeverityWarning))
			Expect(tolerances.GetSeverity("$.version", DiffTypeValueMismatch)).To(Equal(SeverityInfo))
		})
	})

	Describe("MockLLM Integration", func() {
		var mockServer *MockLLMServer

		BeforeEach(func() {
			config := &MockLLMConfig{
				Responses: map[string]MockResponse{
					"create a file": {
						Content: "I'll create that file for you.",
						ToolCalls: []MockToolCall{
							{
								ID:   "call_write",
								Type: "function",
								Function: MockFunctionCall{
									Name:      "write_file",
									Arguments: `{"path": "/test.txt", "content": "hello"}`,
								},
							},
						},
					},
				},
				Defaults: MockDefaults{
					Fallback: "I understand.",
				},
				Settings: MockSettings{
					EnableStreaming: true,
				},
			}
			mockServer = NewMockLLMServer(config)
		})

		AfterEach(func() {
			mockServer.Close()
		})

		It("should provide deterministic responses", func() {
			body := map[string]interface{}{
				"model": "gpt-4",
				"messages": []map[string]interface{}{
					{"role": "user", "content": "please create a file"},
				},
			}
			jsonBody1, _ := json.Marshal(body)
			resp1, err := http.Post(mockServer.URL()+"/v1/chat/completions", "application/json", bytes.NewReader(jsonBody1))
			Expect(err).NotTo(HaveOccurred())

			var result1 map[string]interface{}
			json.NewDecoder(resp1.Body).Decode(&result1)
			resp1.Body.Close()

			jsonBody2, _ := json.Marshal(body)
			resp2, err := http.Post(mockServer.URL()+"/v1/chat/completions", "application/json", bytes.NewReader(jsonBody2))
			Expect(err).NotTo(HaveOccurred())

			var result2 map[string]interface{}
			json.NewDecoder(resp2.Body).Decode(&result2)
			resp2.Body.Close()

			// Responses should have same content (ignoring dynamic fields like id, created)
			choices1 := result1["choices"].([]interface{})
			choices2 := result2["choices"].([]interface{})
			msg1 := choices1[0].(map[string]interface{})["message"].(map[string]interface{})
			msg2 := choices2[0].(map[string]interface{})["message"].(map[string]interface{})

			Expect(msg1["content"]).To(Equal(msg2["content"]))
		})

		It("should return tool calls when configured", func() {
			body := map[string]interface{}{
				"model": "gpt-4",
				"messages": []map[string]interface{}{
					{"role": "user", "content": "please create a file"},
				},
			}
			jsonBody, _ := json.Marshal(body)
			resp, err := http.Post(mockServer.URL()+"/v1/chat/completions", "application/json", bytes.NewReader(jsonBody))
			Expect(err).NotTo(HaveOccurred())

			var result map[string]interface{}
			json.NewDecoder(resp.Body).Decode(&result)
			resp.Body.Close()

			choices := result["choices"].([]interface{})
			msg := choices[0].(map[string]interface{})["message"].(map[string]interface{})
			toolCalls := msg["tool_calls"].([]interface{})

			Expect(len(toolCalls)).To(Equal(1))
			tc := toolCalls[0].(map[string]interface{})
			fn := tc["function"].(map[string]interface{})
			Expect(fn["name"]).To(Equal("write_file"))
		})
	})
})
