package e2e

import (
	"net/http"
	"testing"
	"time"
)

func TestGenerate_NoAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/generate", `{"concept":"circle"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestGenerate_InvalidBody(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", `{"quality":"ultra"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)

	body := parseJSON(t, resp)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatal("expected 'error' object in response")
	}
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected code VALIDATION_ERROR, got %v", errObj["code"])
	}
}

func TestGenerate_Success(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", `{"concept":"Pythagorean theorem","quality":"low"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusAccepted)

	body := parseJSON(t, resp)
	if body["success"] != true {
		t.Error("expected success=true")
	}
	jobID, _ := body["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected 'jobId' in response")
	}

	// no worker is running, so the job stays queued
	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	status := parseJSON(t, resp)
	if status["status"] != "queued" {
		t.Errorf("expected status 'queued', got %v", status["status"])
	}
}

func TestModify_MissingInstructions(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/modify", `{"concept":"circle","code":"x = 1"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
}

func TestJobStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/does-not-exist", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)
}

func TestCancel_QueuedJob(t *testing.T) {
	ta := setupApp(t)

	jobID := submit(t, ta, `{"concept":"circle"}`)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/cancel", `{"reason":"changed my mind"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["state"] != "cancelled" {
		t.Errorf("expected state 'cancelled', got %v", body["state"])
	}

	status := waitForStatus(t, ta, jobID, "failed", 5*time.Second)
	if status["cancelReason"] != "changed my mind" {
		t.Errorf("expected cancelReason 'changed my mind', got %v", status["cancelReason"])
	}
}
