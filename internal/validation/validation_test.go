package validation

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return v
}

func TestCreateKey_Valid(t *testing.T) {
	for _, body := range []string{
		`{"name":"svc-a"}`,
		`{"name":"svc-a","description":"billing"}`,
		`{"name":"` + strings.Repeat("n", 100) + `","description":""}`,
	} {
		if errs := CreateKey.Validate(decode(t, body)); len(errs) != 0 {
			t.Errorf("%s: unexpected errors %+v", body, errs)
		}
	}
}

func TestCreateKey_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing name", `{}`, "name"},
		{"empty name", `{"name":""}`, "name"},
		{"blank name", `{"name":"   "}`, "name"},
		{"long name", `{"name":"` + strings.Repeat("n", 101) + `"}`, "name"},
		{"numeric name", `{"name":42}`, "name"},
		{"long description", `{"name":"a","description":"` + strings.Repeat("d", 501) + `"}`, "description"},
		{"unknown field", `{"name":"a","scopes":["admin"]}`, "scopes"},
		{"not an object", `["name"]`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := CreateKey.Validate(decode(t, tt.body))
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
					if e.Message == "" {
						t.Errorf("empty message for %s", e.Field)
					}
				}
			}
			if !found {
				t.Fatalf("expected an error for %q, got %+v", tt.field, errs)
			}
		})
	}
}

func TestValidate_ReportsOffendingValue(t *testing.T) {
	errs := CreateKey.Validate(decode(t, `{"name":42}`))
	if len(errs) == 0 || errs[0].Value != float64(42) {
		t.Fatalf("expected value 42 in error, got %+v", errs)
	}
}

func TestMiddleware(t *testing.T) {
	var got string
	h := CreateKey.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/keys", strings.NewReader(`{"name":"svc-a"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("valid request: status %d", rec.Code)
	}
	if got != `{"name":"svc-a"}` {
		t.Fatalf("handler did not see the original body, got %q", got)
	}

	got = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/keys", strings.NewReader(`{"name":"","extra":true}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid request: status %d", rec.Code)
	}
	if got != "" {
		t.Fatal("handler must not run for an invalid body")
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Success || resp.Message != "Validation failed" || len(resp.Errors) < 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Errors[0].Field != "extra" || resp.Errors[0].Value != true {
		t.Fatalf("expected sorted errors starting with extra, got %+v", resp.Errors)
	}
}

func TestMiddleware_InvalidJSON(t *testing.T) {
	h := CreateKey.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`)))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "invalid JSON") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCompile_BadSchema(t *testing.T) {
	if _, err := Compile("bad.json", `{"type": 12}`); err == nil {
		t.Fatal("expected compile error")
	}
}
