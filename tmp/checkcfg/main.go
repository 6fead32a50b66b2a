package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"vaultline/internal/app"
	"vaultline/internal/dashboard"
	"vaultline/internal/server"
)

func main() {
	v, err := app.Open("/tmp/vaultline-check1", true)
	if err != nil {
		panic(err)
	}
	defer v.Close()
	h, err := server.New(server.Config{
		Engine: v.Engine,
		Dashboard: dashboard.Aggregator{
			Store:    v.Store,
			Ledger:   v.Ledger,
			Writer:   v.Config.Dashboard.Writer,
			VaultDir: v.Dir,
		},
		BasePath: "/v0",
		Auth:     server.AuthConfig{AllowActorHeader: true},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	body := map[string]any{
		"id":     "check-1",
		"kind":   "message",
		"source": "checkcfg",
		"body":   "hello from checkcfg",
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/intake", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}
