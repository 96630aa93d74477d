package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/go-relay/internal/persistence"
)

const threadID = "drill-lease-crash"

// The drill runs in three processes: prepare enqueues a job, claim-sleep
// claims it and hangs until the operator kills it with SIGKILL, and recover
// verifies a fresh process requeues the orphaned lease.
func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		jobID, err := store.CreateJob(ctx, persistence.NewJob{
			ThreadID: threadID,
			UserID:   "drill",
			Prompt:   "lease crash drill",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create job: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_JOB_ID=%s\n", jobID)
	case "claim-sleep":
		job, err := store.ClaimNextJob(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim job: %v\n", err)
			os.Exit(1)
		}
		if job == nil {
			fmt.Fprintln(os.Stderr, "no claimable job")
			os.Exit(1)
		}
		if err := store.StartJobRun(ctx, job.ID, job.LeaseOwner); err != nil {
			fmt.Fprintf(os.Stderr, "start job run: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_JOB_ID=%s\n", job.ID)
		fmt.Printf("LEASE_OWNER=%s\n", job.LeaseOwner)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RecoverInFlightJobs(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover in-flight jobs: %v\n", err)
			os.Exit(1)
		}
		jobs, err := store.ListJobsByThread(ctx, threadID, 50)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list jobs by thread: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := true
		for _, job := range jobs {
			fmt.Printf("JOB_STATUS id=%s status=%s lease_owner=%q\n", job.ID, job.Status, job.LeaseOwner)
			if job.Status == persistence.JobStatusRunning || job.Status == persistence.JobStatusClaimed {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: jobs still leased after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
