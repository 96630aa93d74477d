package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// Checks the live event stream end to end against a running relay: dials
// /api/events, submits a synthetic job through /api/jobs, and waits for the
// job's events to arrive on the socket.
func main() {
	base := flag.String("base", "http://127.0.0.1:18790", "relay gateway base url")
	token := flag.String("token", "", "gateway auth token (empty when auth is off)")
	timeout := flag.Duration("timeout", 15*time.Second, "overall deadline")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*base, "/"), "http") + "/api/events?topic=job."

	if strings.TrimSpace(*token) != "" {
		_, unauthResp, unauthErr := websocket.Dial(ctx, wsURL, nil)
		if unauthErr == nil {
			fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
			os.Exit(1)
		}
		if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
			fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
			os.Exit(1)
		}
		fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)
	}

	dialOpts := &websocket.DialOptions{}
	if strings.TrimSpace(*token) != "" {
		dialOpts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event stream dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	drillThread := "drill-events-" + uuid.NewString()[:8]
	payload, _ := json.Marshal(map[string]string{
		"thread_id": drillThread,
		"content":   "event stream drill",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(*base, "/")+"/api/jobs", bytes.NewReader(payload))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build submit request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(*token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*token))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}
	var submitted struct {
		JobID string `json:"job_id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&submitted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "expected 202 from submit, got %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Printf("SUBMITTED job_id=%s thread_id=%s\n", submitted.JobID, drillThread)

	// Any job.* event naming our drill thread proves the bus, the gateway
	// stream and the submit path are wired together.
	for {
		var frame map[string]interface{}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "stream read failed before observing drill events: %v\n", err)
			os.Exit(1)
		}
		topic, _ := frame["topic"].(string)
		fmt.Printf("EVENT topic=%s\n", topic)
		if !strings.HasPrefix(topic, "job.") {
			fmt.Fprintf(os.Stderr, "topic filter leaked a non-job event: %q\n", topic)
			os.Exit(1)
		}
		eventPayload, _ := frame["payload"].(map[string]interface{})
		if thread, _ := eventPayload["ThreadID"].(string); thread == drillThread {
			fmt.Printf("OBSERVED topic=%s thread_id=%s\n", topic, thread)
			fmt.Println("VERDICT PASS")
			return
		}
	}
}
