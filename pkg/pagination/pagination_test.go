package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/checks?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	tests := []struct {
		query      string
		limit, off int
	}{
		{"limit=5&offset=10", 5, 10},
		{"limit=1000", MaxLimit, 0},
		{"limit=-3&offset=-1", DefaultLimit, 0},
		{"limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(tt.query)
		if p.Limit != tt.limit || p.Offset != tt.off {
			t.Errorf("%q: got limit=%d offset=%d, want %d/%d", tt.query, p.Limit, p.Offset, tt.limit, tt.off)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]int{1, 2}, 5, Params{Limit: 2, Offset: 0})
	if !r.HasMore {
		t.Error("expected has_more")
	}
	r = NewResponse([]int{5}, 5, Params{Limit: 2, Offset: 4})
	if r.HasMore {
		t.Error("expected last page")
	}
}

func TestResponse_WithNext(t *testing.T) {
	q := url.Values{"status": {"active"}}
	r := NewResponse(nil, 10, Params{Limit: 3, Offset: 3}).WithNext(q)
	next, err := url.ParseQuery(r.Next[1:])
	if err != nil {
		t.Fatalf("parse next: %v", err)
	}
	if next.Get("offset") != "6" || next.Get("limit") != "3" || next.Get("status") != "active" {
		t.Errorf("unexpected next link %q", r.Next)
	}
	if q.Get("offset") != "" {
		t.Error("request query must not be modified")
	}

	last := NewResponse(nil, 3, Params{Limit: 3}).WithNext(q)
	if last.Next != "" {
		t.Errorf("expected no next link, got %q", last.Next)
	}
}
