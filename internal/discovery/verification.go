package discovery

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcourtman/pulse-collector/internal/models"
	"github.com/rcourtman/pulse-collector/pkg/pbs"
)

// recentFailureWindow bounds how far back verification failures count as
// "recent" in diagnostics.
const recentFailureWindow = 7 * 24 * time.Hour

// healthScore grades a datastore from its verification rate and failure
// rate. Thresholds are fixed; partial verification with few failures
// still scores well.
func healthScore(total, verified, failed int) string {
	if total == 0 {
		return "excellent"
	}

	verifiedRate := float64(verified) / float64(total)
	failureRate := 0.0
	if verified > 0 {
		failureRate = float64(failed) / float64(verified)
	}

	switch {
	case verifiedRate >= 0.95 && failureRate <= 0.01:
		return "excellent"
	case verifiedRate >= 0.8 && failureRate <= 0.05:
		return "good"
	case verifiedRate >= 0.6 && failureRate <= 0.1:
		return "fair"
	default:
		return "poor"
	}
}

// categorizeFailure buckets a verification failure state string.
func categorizeFailure(state string) string {
	s := strings.ToLower(state)
	switch {
	case strings.Contains(s, "missing") || strings.Contains(s, "not found"):
		return "missing-chunks"
	case strings.Contains(s, "corrupt") || strings.Contains(s, "checksum"):
		return "corruption"
	case strings.Contains(s, "timeout") || strings.Contains(s, "connection"):
		return "connectivity"
	case strings.Contains(s, "permission") || strings.Contains(s, "access"):
		return "permissions"
	case strings.Contains(s, "space") || strings.Contains(s, "disk"):
		return "capacity"
	default:
		return "unknown"
	}
}

// verificationFailure is one recent non-ok verification, categorized.
type verificationFailure struct {
	Datastore string
	Namespace string
	GroupID   string
	State     string
	Category  string
	When      time.Time
}

// analyzeVerification scores verification health across a PBS instance's
// snapshot listings and flags job ids referenced by snapshots that no
// longer exist in the verify-job configuration. Stale references are
// benign: they linger until old snapshots are pruned.
func analyzeVerification(sets []snapshotSet, jobs []pbs.VerifyJob, now time.Time) models.VerificationDiagnostics {
	configured := make(map[string]pbs.VerifyJob, len(jobs))
	for _, job := range jobs {
		configured[job.ID] = job
	}
	jobsByStore := make(map[string]int)
	for _, job := range jobs {
		jobsByStore[job.Store]++
	}

	diag := models.VerificationDiagnostics{}
	referencedJobs := make(map[string]bool)
	staleJobs := make(map[string]bool)
	var failures []verificationFailure

	cutoff := now.Add(-recentFailureWindow)

	for _, set := range sets {
		ds := models.DatastoreDiagnostics{
			Datastore:      set.Datastore,
			VerifyJobCount: jobsByStore[set.Datastore],
		}

		for namespace, snapshots := range set.Snapshots {
			for _, snap := range snapshots {
				ds.TotalSnapshots++

				if snap.Verification == nil {
					ds.UnverifiedCount++
					continue
				}

				if jobID := verifyJobIDFromUPID(snap.Verification.UPID); jobID != "" {
					referencedJobs[jobID] = true
					if _, ok := configured[jobID]; !ok {
						staleJobs[jobID] = true
					}
				}

				if snap.Verification.State == "ok" {
					ds.VerifiedCount++
					continue
				}

				ds.VerifiedCount++
				ds.FailedCount++
				when := time.Unix(snap.BackupTime, 0).UTC()
				if when.After(cutoff) {
					failures = append(failures, verificationFailure{
						Datastore: set.Datastore,
						Namespace: namespace,
						GroupID:   fmt.Sprintf("%s/%s", snap.BackupType, snap.BackupID),
						State:     snap.Verification.State,
						Category:  categorizeFailure(snap.Verification.State),
						When:      when,
					})
				}
			}
		}

		if ds.TotalSnapshots > 0 {
			ds.VerifiedRatio = float64(ds.VerifiedCount) / float64(ds.TotalSnapshots)
			if ds.VerifiedCount > 0 {
				ds.FailedRatio = float64(ds.FailedCount) / float64(ds.VerifiedCount)
			}
		}
		ds.Health = healthScore(ds.TotalSnapshots, ds.VerifiedCount, ds.FailedCount)

		diag.TotalSnapshots += ds.TotalSnapshots
		diag.VerifiedCount += ds.VerifiedCount
		diag.FailedCount += ds.FailedCount
		diag.UnverifiedCount += ds.UnverifiedCount
		diag.Datastores = append(diag.Datastores, ds)
	}

	if diag.TotalSnapshots > 0 {
		diag.VerifiedRatio = float64(diag.VerifiedCount) / float64(diag.TotalSnapshots)
		if diag.VerifiedCount > 0 {
			diag.FailedRatio = float64(diag.FailedCount) / float64(diag.VerifiedCount)
		}
	}
	diag.Health = healthScore(diag.TotalSnapshots, diag.VerifiedCount, diag.FailedCount)

	for jobID := range staleJobs {
		diag.OrphanedVerifyJobs = append(diag.OrphanedVerifyJobs, jobID)
	}
	sort.Strings(diag.OrphanedVerifyJobs)

	sort.Slice(diag.Datastores, func(i, j int) bool {
		return diag.Datastores[i].Datastore < diag.Datastores[j].Datastore
	})

	diag.Recommendations = buildRecommendations(diag, jobs, failures, staleJobs)
	return diag
}

// buildRecommendations turns the analysis into actionable text. Stale job
// references are informational, never errors.
func buildRecommendations(diag models.VerificationDiagnostics, jobs []pbs.VerifyJob, failures []verificationFailure, staleJobs map[string]bool) []models.Recommendation {
	var recs []models.Recommendation

	disabledWithHistory := 0
	for _, job := range jobs {
		if job.Disable {
			disabledWithHistory++
		}
	}
	if disabledWithHistory > 0 {
		recs = append(recs, models.Recommendation{
			Priority: "high",
			Message:  fmt.Sprintf("%d verification job(s) are disabled; existing backups will drift out of verification coverage", disabledWithHistory),
		})
	}

	if diag.Health == "poor" {
		recs = append(recs, models.Recommendation{
			Priority: "high",
			Message:  fmt.Sprintf("Verification coverage is poor (%.0f%% of %d snapshots verified); schedule or repair verification jobs", diag.VerifiedRatio*100, diag.TotalSnapshots),
		})
	}

	if len(failures) > 5 {
		categories := make(map[string]int)
		for _, f := range failures {
			categories[f.Category]++
		}
		dominant, dominantCount := "", 0
		for category, count := range categories {
			if count > dominantCount {
				dominant, dominantCount = category, count
			}
		}
		recs = append(recs, models.Recommendation{
			Priority: "high",
			Message:  fmt.Sprintf("%d verification failures in the last 7 days (mostly %s); investigate datastore integrity", len(failures), dominant),
		})
	} else if len(failures) > 0 {
		recs = append(recs, models.Recommendation{
			Priority: "info",
			Message:  fmt.Sprintf("%d recent verification failure(s); individual snapshots may need re-verification", len(failures)),
		})
	}

	if len(staleJobs) > 0 {
		recs = append(recs, models.Recommendation{
			Priority: "info",
			Message:  fmt.Sprintf("%d snapshot(s) reference deleted verification job(s) %v; harmless, the references disappear as old snapshots are pruned", len(staleJobs), diag.OrphanedVerifyJobs),
		})
	}

	return recs
}
