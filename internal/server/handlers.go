package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"trendwatch/internal/domain"
	"trendwatch/internal/training"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handlePull runs an on-demand pull of recent matching transactions.
// Optional ?target= overrides the configured pull target.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	target := 0
	if raw := r.URL.Query().Get("target"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("target must be a positive integer"))
			return
		}
		target = parsed
	}

	result, err := s.deps.Buffer.PullRecentMatching(r.Context(), target)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleIngestionStatus returns the buffer snapshot plus the census of
// durably persisted events.
func (s *Server) handleIngestionStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"buffer": s.deps.Buffer.Status(),
	}
	if s.deps.Census != nil {
		payload["persisted"] = s.deps.Census.Census()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// handleFlush forces a flush of the pending buffer.
func (s *Server) handleFlush(w http.ResponseWriter, _ *http.Request) {
	s.deps.Buffer.Flush()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "flushed",
		"buffer": s.deps.Buffer.Status(),
	})
}

type predictRequest struct {
	Digests []string `json:"digests"`
}

type predictResponse struct {
	Results []domain.PredictionResult `json:"results"`
	Summary domain.PredictionSummary  `json:"summary"`
}

// handlePredict scores a batch of transaction digests with the active
// ensemble. A successful batch kicks off an auto-train run in the
// background when enabled.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Digests) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("digests are required"))
		return
	}

	results, err := s.deps.Predictor.ScoreBatch(req.Digests, func(done, total int) {
		if done%25 == 0 || done == total {
			s.log.Debug().Int("done", done).Int("total", total).Msg("Prediction progress")
		}
	})
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}

	if s.deps.Config.AutoTrain && s.deps.Trainer != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			if _, err := s.deps.Trainer.Train(ctx, training.TriggerAuto); err != nil &&
				!errors.Is(err, training.ErrTrainingInProgress) {
				s.log.Error().Err(err).Msg("Auto-training failed")
			}
		}()
	}

	s.writeJSON(w, http.StatusOK, predictResponse{
		Results: results,
		Summary: domain.Summarize(results),
	})
}

// handleTrain triggers a manual training run synchronously and returns the
// published archive identifier.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Trainer.Train(r.Context(), training.TriggerManual)
	if errors.Is(err, training.ErrTrainingInProgress) {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

type reloadRequest struct {
	CID string `json:"cid"`
}

// handleReload swaps the active ensemble from a published archive. An empty
// cid reloads whatever the on-chain registry currently points at.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	if req.CID == "" {
		err = s.deps.Trainer.ReloadLatest(r.Context())
	} else {
		err = s.deps.Trainer.Reload(r.Context(), req.CID)
	}
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"cid":    s.deps.Registry.CID(),
		"models": s.deps.Registry.Size(),
	})
}

type modelInfo struct {
	Name     string `json:"name"`
	InputLen int    `json:"input_len"`
}

// handleModelStatus reports the loaded models and, when a blob store is
// wired, the published archives.
func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request) {
	models := s.deps.Registry.Snapshot()
	infos := make([]modelInfo, 0, len(models))
	for _, model := range models {
		infos = append(infos, modelInfo{Name: model.Name(), InputLen: model.InputLen()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	payload := map[string]interface{}{
		"loaded": len(infos),
		"models": infos,
		"cid":    s.deps.Registry.CID(),
	}

	if s.deps.Archives != nil {
		archives, err := s.deps.Archives.List(r.Context())
		if err != nil {
			s.log.Warn().Err(err).Msg("Archive listing failed")
		} else {
			payload["archives"] = archives
		}
	}

	s.writeJSON(w, http.StatusOK, payload)
}

// handleTrainingRuns returns recent training-run history.
func (s *Server) handleTrainingRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": []interface{}{}})
		return
	}

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := s.deps.Runs.RecentTrainingRuns(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleSystemHealth reports process and host health.
func (s *Server) handleSystemHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		payload["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		payload["memory_percent"] = memStat.UsedPercent
	}
	if s.deps.Hub != nil {
		payload["ws_clients"] = s.deps.Hub.ClientCount()
	}

	s.writeJSON(w, http.StatusOK, payload)
}
