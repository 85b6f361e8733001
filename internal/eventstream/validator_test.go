package eventstream

import (
	"errors"
	"testing"

	"github.com/agentworkforce/redata/internal/progress"
)

func TestValidatorAcceptsWellFormedFrames(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}
	cases := []struct {
		name  string
		frame string
		kind  progress.Kind
	}{
		{"file start", `{"event":"file_start","task_id":"t1","current_file":"a.xlsx"}`, progress.KindFileStart},
		{"sheet start", `{"event":"sheet_start","task_id":"t1","current_file":"a.xlsx","current_sheet":"S"}`, progress.KindSheetStart},
		{"row processed", `{"event":"row_processed","task_id":"t1","processed_rows":10,"success_count":9,"error_count":1,"current_row":10}`, progress.KindRowProcessed},
		{"mapping", `{"event":"column_mapping","task_id":"t1","current_sheet":"S","confidence":0.82,"mappings":{"A":"name","B":null}}`, progress.KindColumnMapping},
		{"nulls", `{"event":"completed","task_id":"t1","success_count":null,"message":null}`, progress.KindCompleted},
		{"extra fields", `{"event":"error","task_id":"t1","message":"boom","engine_version":"2"}`, progress.KindError},
	}
	for _, tc := range cases {
		ev, err := v.Decode([]byte(tc.frame))
		if err != nil {
			t.Fatalf("%s: decode failed: %v", tc.name, err)
		}
		if ev.Kind() != tc.kind || ev.Task() != "t1" {
			t.Fatalf("%s: unexpected event %+v", tc.name, ev)
		}
	}
}

func TestValidatorRejectsMalformedFrames(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}
	cases := map[string]string{
		"not json":             `{"event":`,
		"array":                `[]`,
		"missing task":         `{"event":"completed"}`,
		"empty event":          `{"event":"","task_id":"t1"}`,
		"file start no file":   `{"event":"file_start","task_id":"t1"}`,
		"sheet start no sheet": `{"event":"sheet_start","task_id":"t1","current_file":"a.xlsx"}`,
		"complete empty sheet": `{"event":"sheet_complete","task_id":"t1","current_sheet":""}`,
		"string counter":       `{"event":"row_processed","task_id":"t1","success_count":"9"}`,
		"fractional counter":   `{"event":"row_processed","task_id":"t1","success_count":1.5}`,
	}
	for name, frame := range cases {
		if _, err := v.Decode([]byte(frame)); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("%s: expected ErrInvalidFrame, got %v", name, err)
		}
	}
}

func TestValidatorKeepsUnknownKinds(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}
	ev, err := v.Decode([]byte(`{"event":"heartbeat","task_id":"t1"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := ev.(progress.Unknown); !ok {
		t.Fatalf("expected Unknown event, got %T", ev)
	}
}
