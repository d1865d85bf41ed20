package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenBenchCore/internal/controller"
	"github.com/KevinKickass/OpenBenchCore/internal/protocol"
	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 5000
)

// bench resolves the :bench parameter or writes a 404.
func (s *Server) bench(c *gin.Context) (*controller.Controller, bool) {
	name := c.Param("bench")
	ctrl, ok := s.lm.Bench(name)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("BENCH_404", "Bench not found", name))
		return nil, false
	}
	return ctrl, true
}

// GET /api/v1/benches
func (s *Server) listBenches(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, gin.H{
		"benches": status.Benches,
		"count":   len(status.Benches),
	})
}

// GET /api/v1/benches/:bench
func (s *Server) getBench(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}

	body := gin.H{
		"name":    ctrl.Name(),
		"state":   ctrl.State().String(),
		"devices": ctrl.Devices(),
	}
	if id, running := ctrl.ActiveProtocol(); running {
		body["active_protocol"] = id
	}
	c.JSON(http.StatusOK, body)
}

// GET /api/v1/benches/:bench/devices
func (s *Server) listDevices(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}

	latest, _ := ctrl.Latest()
	devices := ctrl.Devices()
	response := make([]gin.H, 0, len(devices))
	for _, desc := range devices {
		entry := gin.H{
			"id":        desc.ID,
			"family":    desc.Family,
			"port":      desc.Port,
			"address":   desc.Address,
			"simulated": desc.Simulated(),
		}
		if st, ok := latest.Devices[desc.ID]; ok {
			entry["connected"] = st.Connected
			entry["running"] = st.IsRunning()
		}
		response = append(response, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": response,
		"count":   len(response),
	})
}

// GET /api/v1/benches/:bench/status
func (s *Server) getLatestSnapshot(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}

	snap, ok := ctrl.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("STATUS_503", "No snapshot taken yet", nil))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// GET /api/v1/benches/:bench/history?limit=N
func (s *Server) getHistory(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}

	store := s.lm.Storage()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("HISTORY_503", "Snapshot storage disabled", nil))
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("HISTORY_400", "Invalid limit", raw))
			return
		}
		limit = n
	}

	rows, err := store.RecentSnapshots(c.Request.Context(), ctrl.Name(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("HISTORY_500", "Failed to load history", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

// POST /api/v1/benches/:bench/commands
func (s *Server) submitCommand(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}

	var cmd types.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_COMMAND", "Invalid request body", err.Error()))
		return
	}
	if cmd.Type == types.CommandShutdown {
		c.JSON(http.StatusForbidden, types.NewErrorResponse("INVALID_COMMAND", "Use /api/v1/system/shutdown", nil))
		return
	}
	if err := cmd.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCode(err), err.Error(), nil))
		return
	}

	s.submit(c, ctrl, cmd)
}

// POST /api/v1/benches/:bench/protocols
func (s *Server) runProtocol(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}

	p, report, ok := s.readProtocol(c, ctrl)
	if !ok {
		return
	}
	if !report.Valid {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_COMMAND", "Protocol rejected", report))
		return
	}
	if id, running := ctrl.ActiveProtocol(); running {
		c.JSON(http.StatusConflict, types.NewErrorResponse("PROTOCOL_BUSY", "A protocol is already running", gin.H{"run_id": id}))
		return
	}

	s.submit(c, ctrl, types.Command{Type: types.CommandRunProtocol, Steps: p.Steps})
}

// POST /api/v1/benches/:bench/protocols/validate
func (s *Server) validateProtocol(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}

	_, report, ok := s.readProtocol(c, ctrl)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, report)
}

// POST /api/v1/benches/:bench/protocols/cancel
func (s *Server) cancelProtocol(c *gin.Context) {
	ctrl, ok := s.bench(c)
	if !ok {
		return
	}
	s.submit(c, ctrl, types.Command{Type: types.CommandCancelProtocol})
}

func (s *Server) readProtocol(c *gin.Context, ctrl *controller.Controller) (*protocol.Protocol, protocol.Report, bool) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_COMMAND", "Failed to read body", err.Error()))
		return nil, protocol.Report{}, false
	}
	p, err := protocol.Parse(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("INVALID_COMMAND", "Invalid protocol document", err.Error()))
		return nil, protocol.Report{}, false
	}

	known := make(map[string]bool)
	for _, desc := range ctrl.Devices() {
		known[desc.ID] = true
	}
	report := protocol.NewValidator(func(id string) bool { return known[id] }).Validate(p.Steps)
	return p, report, true
}

// submit hands the command to the bench loop. Execution results arrive on
// the status stream, so success here only means the command was queued.
func (s *Server) submit(c *gin.Context, ctrl *controller.Controller, cmd types.Command) {
	cmd.ID = uuid.New()
	if err := ctrl.Submit(cmd); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrControllerStopped) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, types.NewErrorResponse(types.ErrorCode(err), err.Error(), nil))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":     cmd.ID,
		"type":   cmd.Type,
		"bench":  ctrl.Name(),
		"status": "queued",
	})
}
