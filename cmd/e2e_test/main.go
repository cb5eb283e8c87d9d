package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

var baseURL = "http://localhost:8080"

var bearer string

func main() {
	godotenv.Load()
	if u := os.Getenv("E2E_BASE_URL"); u != "" {
		baseURL = u
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	userID := fmt.Sprintf("e2e-user-%d", time.Now().UnixNano())
	bearer = signToken(userID, secret)

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// 1. Health Check
	checkEndpoint("GET", "/health", nil, 200)

	// 2. Portfolio and holding
	portfolio := checkEndpoint("POST", "/portfolios", map[string]interface{}{
		"name": "E2E", "currency": "USD", "is_default": true,
	}, 201)
	portfolioID := portfolio["id"].(string)
	checkEndpoint("GET", "/portfolios/default", nil, 200)

	holding := checkEndpoint("POST", "/portfolios/"+portfolioID+"/holdings", map[string]interface{}{
		"security_id": "INFY",
	}, 201)
	holdingID := holding["id"].(string)

	// 3. Buy, then sell part of it
	day := 24 * time.Hour
	checkEndpoint("POST", "/holdings/"+holdingID+"/transactions", trade("BUY", "10", "100", "5", time.Now().Add(-2*day)), 201)
	sell := checkEndpoint("POST", "/holdings/"+holdingID+"/transactions", trade("SELL", "4", "150", "2", time.Now().Add(-day)), 201)
	sellID := sell["transaction"].(map[string]interface{})["id"].(string)
	expectPosition(holdingID, "6", "196")

	// 4. A backdated sell that would oversell is rejected
	checkEndpoint("POST", "/holdings/"+holdingID+"/transactions", trade("SELL", "1", "150", "0", time.Now().Add(-3*day)), 422)
	expectPosition(holdingID, "6", "196")

	// 5. Amend and remove
	checkEndpoint("PATCH", "/holdings/"+holdingID+"/transactions/"+sellID, map[string]interface{}{"fees": "0"}, 200)
	expectPosition(holdingID, "6", "198")
	checkEndpoint("DELETE", "/holdings/"+holdingID+"/transactions/"+sellID, nil, 200)
	expectPosition(holdingID, "10", "0")

	checkEndpoint("GET", "/holdings/"+holdingID+"/transactions", nil, 200)
	checkEndpoint("POST", "/holdings/"+holdingID+"/recompute", nil, 200)

	// 6. Cleanup
	checkEndpoint("DELETE", "/portfolios/"+portfolioID, nil, 204)
	checkEndpoint("GET", "/holdings/"+holdingID, nil, 404)

	fmt.Println("ALL TESTS PASSED")
}

func signToken(userID, secret string) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	return tok
}

func trade(typ, shares, price, fees string, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"type":             typ,
		"shares":           shares,
		"price_per_share":  price,
		"fees":             fees,
		"transaction_date": at.UTC().Format(time.RFC3339),
	}
}

func expectPosition(holdingID, shares, realized string) {
	h := checkEndpoint("GET", "/holdings/"+holdingID, nil, 200)
	pos := h["position"].(map[string]interface{})
	if pos["total_shares"] != shares || pos["realized_gain_loss"] != realized {
		log.Fatalf("Expected shares %s realized %s, got %v", shares, realized, pos)
	}
}

func checkEndpoint(method, path string, body interface{}, expectedStatus int) map[string]interface{} {
	fmt.Printf("Testing %s %s...\n", method, path)
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, baseURL+path, bodyReader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		log.Fatalf("Expected status %d, got %d. Body: %s", expectedStatus, resp.StatusCode, string(respBody))
	}
	fmt.Printf("Response: %s\n", string(respBody))

	out := map[string]interface{}{}
	if len(respBody) > 0 && respBody[0] == '{' {
		json.Unmarshal(respBody, &out)
	}
	return out
}
