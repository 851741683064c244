package dataguard

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware returns an http.Handler that evaluates each request as an
// "http" tool call before passing it on. Denied requests and requests
// held for approval receive a 403 with a JSON body.
func (c *Client) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := c.Check(r.Context(), callFromRequest(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if !result.Allowed() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"blocked":         true,
				"verdict":         string(result.Verdict),
				"reason":          result.Reason,
				"matched_rule_id": result.MatchedRuleID,
				"decision_id":     result.DecisionID,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// callFromRequest maps an HTTP request to an SDK Call.
func callFromRequest(r *http.Request) Call {
	url := r.URL.String()
	if r.URL.Host == "" && r.Host != "" {
		url = r.Host + r.URL.RequestURI()
	}

	return Call{
		Tool:     "http",
		Category: "http_request",
		Args: map[string]any{
			"method": strings.ToUpper(r.Method),
			"url":    url,
		},
	}
}
