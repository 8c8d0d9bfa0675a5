package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"CrewRelay/sdk/go/crewrelay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/kickoff", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(crewrelay.KickoffResult{
			Success:   true,
			KickoffID: "kickoff-demo",
			Message:   "Crew execution started",
			Status:    "running",
		})
	})
	mux.HandleFunc("/api/status/kickoff-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "running",
			"local_data": crewrelay.Execution{
				KickoffID: "kickoff-demo",
				Topic:     "demo",
				Status:    "pending_human_input",
				PendingTasks: []crewrelay.PendingTask{{
					TaskID:     "Draft",
					TaskName:   "Draft",
					TaskOutput: "# Demo post",
					ReceivedAt: time.Now().UTC(),
				}},
				CreatedAt: time.Now().Add(-time.Minute).UTC(),
			},
		})
	})
	mux.HandleFunc("/api/feedback", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(crewrelay.FeedbackResult{
			Success:     true,
			Message:     "Feedback submitted and crew resumed",
			ExecutionID: "kickoff-demo",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := crewrelay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	started, err := client.Kickoff(ctx, "demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("started execution %s\n", started.KickoffID)

	status, err := client.Status(ctx, started.KickoffID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("status: %s\n", status.EffectiveState())

	if status.LocalData == nil || len(status.LocalData.PendingTasks) == 0 {
		return
	}
	task := status.LocalData.PendingTasks[len(status.LocalData.PendingTasks)-1]
	fmt.Printf("reviewing %s: %s\n", task.TaskID, task.TaskOutput)

	res, err := client.Feedback(ctx, crewrelay.Feedback{
		KickoffID: started.KickoffID,
		TaskID:    task.TaskID,
		Feedback:  "Approved",
		Approved:  true,
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(res.Message)
}
