package story

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestListByOwnerBuildsRequest(t *testing.T) {
	var captured map[string]any
	var apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/assets" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		apiKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"ipId": "0xip1", "name": "Chest Pop Routine"},
				{"ipId": "0xip2", "ownerAddress": "0xother"},
			},
			"pagination": map[string]any{"total": 2, "hasMore": false},
		})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "secret", BaseURL: server.URL})
	result, err := client.ListByOwner(context.Background(), "0xowner")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if apiKey != "secret" {
		t.Fatalf("X-Api-Key not sent")
	}
	where, _ := captured["where"].(map[string]any)
	if where["ownerAddress"] != "0xowner" {
		t.Fatalf("owner filter missing: %+v", captured)
	}
	if captured["orderBy"] != "blockNumber" || captured["orderDirection"] != "desc" {
		t.Fatalf("ordering missing: %+v", captured)
	}

	if result.Total != 2 || result.HasMore {
		t.Fatalf("unexpected result meta: %+v", result)
	}
	// 缺失 ownerAddress 的资产回填查询地址。
	if result.Data[0].OwnerAddress != "0xowner" {
		t.Fatalf("owner not backfilled: %+v", result.Data[0])
	}
	if result.Data[1].OwnerAddress != "0xother" {
		t.Fatalf("explicit owner overwritten: %+v", result.Data[1])
	}
}

func TestListByOwnerSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.ListByOwner(context.Background(), "0xowner")
	if err == nil || !strings.Contains(err.Error(), "Story API error 401") {
		t.Fatalf("expected API error, got %v", err)
	}
}
