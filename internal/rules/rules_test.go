package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

func incident(vector string, sev schema.Severity) *schema.Incident {
	return &schema.Incident{ID: "INC-1", Vector: vector, Severity: sev}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		inc  *schema.Incident
		want bool
	}{
		{"no predicate", Rule{Name: "all"}, incident("scan", schema.SeverityLow), true},
		{"vector equal", Rule{Name: "r", If: Condition{Vector: "setpoint_tamper"}}, incident("setpoint_tamper", schema.SeverityLow), true},
		{"vector differs", Rule{Name: "r", If: Condition{Vector: "setpoint_tamper"}}, incident("scan", schema.SeverityCritical), false},
		{"vector is case sensitive", Rule{Name: "r", If: Condition{Vector: "Scan"}}, incident("scan", schema.SeverityLow), false},
		{"low never matches min high", Rule{Name: "r", If: Condition{Severity: schema.SeverityHigh}}, incident("scan", schema.SeverityLow), false},
		{"medium below high", Rule{Name: "r", If: Condition{Severity: schema.SeverityHigh}}, incident("scan", schema.SeverityMedium), false},
		{"equal severity matches", Rule{Name: "r", If: Condition{Severity: schema.SeverityHigh}}, incident("scan", schema.SeverityHigh), true},
		{"higher severity matches", Rule{Name: "r", If: Condition{Severity: schema.SeverityHigh}}, incident("scan", schema.SeverityCritical), true},
		{"both conditions", Rule{Name: "r", If: Condition{Vector: "scan", Severity: schema.SeverityMedium}}, incident("scan", schema.SeverityHigh), true},
		{"both conditions, severity fails", Rule{Name: "r", If: Condition{Vector: "scan", Severity: schema.SeverityCritical}}, incident("scan", schema.SeverityHigh), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.inc); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	set := []Rule{
		{Name: "tamper-critical", If: Condition{Vector: "setpoint_tamper", Severity: schema.SeverityCritical}},
		{Name: "any-high", If: Condition{Severity: schema.SeverityHigh}},
		{Name: "scan-only", If: Condition{Vector: "scan"}},
		{Name: "catch-all"},
	}

	got := Evaluate(incident("setpoint_tamper", schema.SeverityCritical), set)
	want := []string{"tamper-critical", "any-high", "catch-all"}
	if names := Names(got); len(names) != len(want) {
		t.Fatalf("matched %v, want %v", names, want)
	} else {
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("match %d = %s, want %s (ruleset order)", i, names[i], want[i])
			}
		}
	}

	if got := Evaluate(incident("scan", schema.SeverityLow), set[:2]); len(got) != 0 {
		t.Errorf("expected no matches, got %v", Names(got))
	}
	if got := Evaluate(incident("scan", schema.SeverityLow), nil); got != nil {
		t.Errorf("empty ruleset should match nothing, got %v", got)
	}
}

func TestValidateSet(t *testing.T) {
	tests := []struct {
		name    string
		set     []Rule
		wantErr bool
	}{
		{"empty", nil, false},
		{"valid", []Rule{{Name: "a"}, {Name: "b", If: Condition{Severity: schema.SeverityHigh}, Severity: schema.SeverityCritical}}, false},
		{"missing name", []Rule{{Name: " "}}, true},
		{"duplicate name", []Rule{{Name: "a"}, {Name: "a"}}, true},
		{"bad min severity", []Rule{{Name: "a", If: Condition{Severity: "urgent"}}}, true},
		{"bad override", []Rule{{Name: "a", Severity: "urgent"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSet(tt.set)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSet() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRule) {
				t.Errorf("error should wrap ErrInvalidRule: %v", err)
			}
		})
	}
}

func TestWarnings(t *testing.T) {
	r := Rule{Name: "r", Actions: []string{"slack:ot-soc", "email:soc"}}
	w := r.Warnings()
	if len(w) != 1 {
		t.Fatalf("Warnings() = %v, want one entry for the unknown action", w)
	}

	if w := (Rule{Name: "quiet"}).Warnings(); len(w) != 1 {
		t.Errorf("rule without actions should warn, got %v", w)
	}
}

func TestDescriptors(t *testing.T) {
	r := Rule{Name: "r", Actions: []string{"slack:ot-soc", "log"}}
	d := r.Descriptors()
	if len(d) != 2 || d[0].Kind != action.KindSlack || d[1].Kind != action.KindLog {
		t.Errorf("Descriptors() = %v", d)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantNames []string
		wantErr   bool
	}{
		{
			name:      "json array",
			input:     `[{"name":"tamper","if":{"vector":"setpoint_tamper","severity":"high"},"actions":["slack:ot-soc"],"severity":"critical"}]`,
			wantNames: []string{"tamper"},
		},
		{
			name: "yaml list",
			input: `
- name: tamper
  if:
    vector: setpoint_tamper
  actions: ["slack:ot-soc"]
- name: highs
  if:
    severity: high
  actions: ["log"]
`,
			wantNames: []string{"tamper", "highs"},
		},
		{
			name: "yaml document",
			input: `
rules:
  - name: tamper
    actions: ["slack:ot-soc"]
`,
			wantNames: []string{"tamper"},
		},
		{name: "empty", input: "  ", wantNames: []string{}},
		{name: "empty json array", input: "[]", wantNames: []string{}},
		{name: "broken json", input: `[{"name":`, wantErr: true},
		{name: "scalar yaml", input: "hello", wantErr: true},
		{name: "invalid rule", input: `[{"name":"a","if":{"severity":"extreme"}}]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := Parse([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			names := Names(set)
			if len(names) != len(tt.wantNames) {
				t.Fatalf("names = %v, want %v", names, tt.wantNames)
			}
			for i := range names {
				if names[i] != tt.wantNames[i] {
					t.Errorf("name %d = %s, want %s", i, names[i], tt.wantNames[i])
				}
			}
		})
	}
}

func TestParseFields(t *testing.T) {
	set, err := Parse([]byte(`[{"name":"tamper","if":{"vector":"setpoint_tamper","severity":"high"},"actions":["slack:ot-soc"],"severity":"critical"}]`))
	if err != nil {
		t.Fatal(err)
	}
	r := set[0]
	if r.If.Vector != "setpoint_tamper" || r.If.Severity != schema.SeverityHigh {
		t.Errorf("If = %+v", r.If)
	}
	if r.Severity != schema.SeverityCritical {
		t.Errorf("Severity = %s", r.Severity)
	}
	if len(r.Actions) != 1 || r.Actions[0] != "slack:ot-soc" {
		t.Errorf("Actions = %v", r.Actions)
	}
}

func TestStoreRefresh(t *testing.T) {
	src := &switchingSource{sets: [][]Rule{{{Name: "a"}}, {{Name: "b"}, {Name: "c"}}}}

	store, err := NewStore(context.Background(), src)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	before := store.Rules()
	if len(before) != 1 || before[0].Name != "a" {
		t.Fatalf("initial rules = %v", Names(before))
	}

	if err := store.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := Names(store.Rules()); len(got) != 2 || got[0] != "b" {
		t.Errorf("after refresh = %v", got)
	}
	if before[0].Name != "a" {
		t.Error("refresh must not mutate an earlier snapshot")
	}

	src.err = errors.New("down")
	if err := store.Refresh(context.Background()); err == nil {
		t.Error("expected refresh error")
	}
	if got := Names(store.Rules()); len(got) != 2 {
		t.Errorf("failed refresh should keep snapshot, got %v", got)
	}
}

func TestNewStoreFailsWhenSourceUnavailable(t *testing.T) {
	src := &switchingSource{err: errors.New("unavailable")}
	if _, err := NewStore(context.Background(), src); err == nil {
		t.Error("expected error when the source cannot be read")
	}
}

func TestRedisSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	src := NewRedisSource(client, "")

	set, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on missing key error = %v", err)
	}
	if len(set) != 0 {
		t.Errorf("missing key should be an empty ruleset, got %v", set)
	}

	want := []Rule{{Name: "tamper", If: Condition{Vector: "setpoint_tamper"}, Actions: []string{"slack:ot-soc"}}}
	if err := src.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !mr.Exists(DefaultKey) {
		t.Fatalf("expected %s to be written", DefaultKey)
	}

	got, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "tamper" || got[0].Actions[0] != "slack:ot-soc" {
		t.Errorf("Load() = %+v", got)
	}

	if err := src.Save(ctx, []Rule{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Error("Save() should reject duplicate names")
	}

	mr.Set(DefaultKey, "not json")
	if _, err := src.Load(ctx); err == nil {
		t.Error("Load() should fail on corrupt ruleset")
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("- name: a\n  actions: [log]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	set, err := FileSource{Path: path}.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(set) != 1 || set[0].Name != "a" {
		t.Errorf("Load() = %v", set)
	}

	if _, err := (FileSource{Path: filepath.Join(dir, "missing.json")}).Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

type switchingSource struct {
	sets [][]Rule
	n    int
	err  error
}

func (s *switchingSource) Load(context.Context) ([]Rule, error) {
	if s.err != nil {
		return nil, s.err
	}
	set := s.sets[s.n]
	if s.n < len(s.sets)-1 {
		s.n++
	}
	return set, nil
}

func TestShippedRules(t *testing.T) {
	set, err := FileSource{Path: filepath.Join("..", "..", "rules", "default.json")}.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, r := range set {
		if w := r.Warnings(); len(w) > 0 {
			t.Errorf("rule %s warnings: %v", r.Name, w)
		}
	}

	matched := Names(Evaluate(incident("firmware_change", schema.SeverityHigh), set))
	if len(matched) != 1 || matched[0] != "firmware-change" {
		t.Errorf("firmware_change matched %v", matched)
	}
}
