package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
)

// smoke drives the whole buy-and-download flow against a running API:
// register, checkout, confirm payment, issue a token, redeem it.
func main() {
	base := os.Getenv("VENDORA_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	webhookSecret := os.Getenv("VENDORA_WEBHOOK_SECRET")
	productID := os.Getenv("VENDORA_SMOKE_PRODUCT")
	if productID == "" {
		productID = "prod-ebook-go"
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	email := fmt.Sprintf("smoke-%s@example.com", uuid.NewString()[:8])
	password := "smoke-password-1"

	mustPost(client, base+"/v1/auth/register", map[string]any{
		"email": email, "password": password,
	}, nil, http.StatusCreated, nil)

	var login struct {
		Token struct {
			AccessToken string `json:"access_token"`
		} `json:"token"`
	}
	mustPost(client, base+"/v1/auth/token", map[string]any{
		"email": email, "password": password,
	}, nil, http.StatusOK, &login)
	authz := map[string]string{"Authorization": "Bearer " + login.Token.AccessToken}

	var ord struct {
		ID     string `json:"id"`
		Number string `json:"number"`
		Status string `json:"status"`
	}
	mustPost(client, base+"/v1/orders", map[string]any{
		"product_ids": []string{productID},
	}, authz, http.StatusCreated, &ord)

	confirmHeaders := map[string]string{}
	if webhookSecret != "" {
		confirmHeaders["X-Webhook-Secret"] = webhookSecret
	}
	var result struct {
		Entitlements []struct {
			ID string `json:"id"`
		} `json:"entitlements"`
	}
	mustPost(client, base+"/v1/payments/confirmations", map[string]any{
		"order_id":    ord.ID,
		"payment_ref": "smoke-pay-" + uuid.NewString(),
		"outcome":     "succeeded",
	}, confirmHeaders, http.StatusCreated, &result)
	if len(result.Entitlements) == 0 {
		log.Fatal("fulfillment produced no entitlements")
	}
	entID := result.Entitlements[0].ID

	var token struct {
		Value string `json:"token"`
	}
	mustPost(client, base+"/v1/entitlements/"+entID+"/token", nil, authz, http.StatusCreated, &token)
	if token.Value == "" {
		log.Fatal("empty download token")
	}

	redeemURL := base + "/v1/downloads?" + url.Values{"token": {token.Value}}.Encode()
	resp, err := client.Get(redeemURL)
	if err != nil {
		log.Fatalf("redeem: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		log.Fatalf("redeem status: %d", resp.StatusCode)
	}
	fileURL := resp.Header.Get("Location")
	if fileURL == "" {
		log.Fatal("redeem returned no file URL")
	}

	fmt.Printf("smoke test passed: order=%s entitlement=%s file=%s\n", ord.Number, entID, fileURL)
}

func mustPost(client *http.Client, target string, body any, headers map[string]string, wantStatus int, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal body for %s: %v", target, err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request %s: %v", target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("post %s: %v", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("post %s: status %d, want %d", target, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s response: %v", target, err)
		}
	}
}
