package claims

import "testing"

func TestSet_FirstString(t *testing.T) {
	s := New(map[string]any{
		"user_login": "",
		"actor":      "octocat",
		"email":      "octo@example.com",
	})
	if got := s.FirstString("user_login", "actor", "email"); got != "octocat" {
		t.Fatalf("want octocat, got %q", got)
	}
	if got := s.FirstString("missing"); got != "" {
		t.Fatalf("want empty, got %q", got)
	}
}

func TestSet_NumericSubject(t *testing.T) {
	s := New(map[string]any{"sub": float64(1234567)})
	if got := s.Subject(); got != "1234567" {
		t.Fatalf("want 1234567, got %q", got)
	}
}

func TestSet_Immutable(t *testing.T) {
	m := map[string]any{"iss": "https://gitlab.com"}
	s := New(m)
	m["iss"] = "https://evil.example.com"
	if s.Issuer() != "https://gitlab.com" {
		t.Fatalf("set observed caller mutation: %q", s.Issuer())
	}
	raw := s.Raw()
	raw["iss"] = "changed"
	if s.Issuer() != "https://gitlab.com" {
		t.Fatalf("set observed Raw mutation: %q", s.Issuer())
	}
}

func TestSet_NestedValuesAreCopied(t *testing.T) {
	aud := []any{"api", "web"}
	ns := map[string]any{"team": "core"}
	s := New(map[string]any{"aud": aud, "namespace": ns})

	aud[0] = "evil"
	ns["team"] = "evil"
	raw := s.Raw()
	if got := raw["aud"].([]any)[0]; got != "api" {
		t.Fatalf("set observed nested array mutation: %v", got)
	}
	if got := raw["namespace"].(map[string]any)["team"]; got != "core" {
		t.Fatalf("set observed nested object mutation: %v", got)
	}

	raw["aud"].([]any)[1] = "changed"
	raw["namespace"].(map[string]any)["team"] = "changed"
	again := s.Raw()
	if got := again["aud"].([]any)[1]; got != "web" {
		t.Fatalf("set observed Raw nested array mutation: %v", got)
	}
	if got := again["namespace"].(map[string]any)["team"]; got != "core" {
		t.Fatalf("set observed Raw nested object mutation: %v", got)
	}
}

func TestSet_Decode(t *testing.T) {
	s := New(map[string]any{"project_path": "group/repo", "name": "Alice"})
	var out struct {
		ProjectPath string `json:"project_path"`
		Name        string `json:"name"`
	}
	if err := s.Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ProjectPath != "group/repo" || out.Name != "Alice" {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}
