package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"devkitd/models"
	"devkitd/service"
)

// Services are the backends the API exposes.
type Services struct {
	Registry   *service.DeviceRegistry
	Sessions   *service.SessionManager
	Dispatcher *service.Dispatcher
	Ops        *service.DeviceOps
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindDuplicateIdentifier, models.KindDeviceBusy:
		return http.StatusConflict
	case models.KindUnreachable, models.KindAuthenticationFailed, models.KindTransport, models.KindRemoteCommand:
		return http.StatusBadGateway
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindInvalid:
		return http.StatusBadRequest
	case models.KindCancelled:
		return 499
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), models.ErrorResponse(err))
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		respondError(c, fmt.Errorf("%w: %v", models.ErrInvalid, err))
		return false
	}
	return true
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"status":  "ok",
		"message": "devkit service is running",
	}))
}

// GetDevices returns all registered devices.
func GetDevices(c *gin.Context, s *Services) {
	c.JSON(http.StatusOK, models.SuccessResponse(s.Registry.List()))
}

func AddDevice(c *gin.Context, s *Services) {
	var device models.Device
	if !bind(c, &device) {
		return
	}
	id, err := s.Registry.Add(device)
	if err != nil {
		respondError(c, err)
		return
	}
	created, err := s.Registry.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SuccessResponse(created))
}

// deviceView is a device with its session and active job.
type deviceView struct {
	models.Device
	Session   models.SessionInfo `json:"session"`
	ActiveJob *models.Job        `json:"active_job,omitempty"`
}

func GetDevice(c *gin.Context, s *Services) {
	id := c.Param("id")
	device, err := s.Registry.Get(id)
	if err != nil {
		respondError(c, err)
		return
	}
	view := deviceView{Device: device}
	if info, err := s.Sessions.Info(id); err == nil {
		view.Session = info
	}
	if job, ok := s.Dispatcher.Active(id); ok {
		view.ActiveJob = &job
	}
	c.JSON(http.StatusOK, models.SuccessResponse(view))
}

func UpdateDevice(c *gin.Context, s *Services) {
	var upd models.DeviceUpdate
	if !bind(c, &upd) {
		return
	}
	device, err := s.Registry.Update(c.Param("id"), upd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(device))
}

func RemoveDevice(c *gin.Context, s *Services) {
	if err := s.Registry.Remove(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("device removed"))
}

// ProbeDevice connects to the device and reports the resulting session.
func ProbeDevice(c *gin.Context, s *Services) {
	info, err := s.Sessions.Probe(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(info))
}

func DisconnectDevice(c *gin.Context, s *Services) {
	if err := s.Sessions.Disconnect(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("disconnected"))
}

func GetSession(c *gin.Context, s *Services) {
	info, err := s.Sessions.Info(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(info))
}

type execRequest struct {
	Command string `json:"command" binding:"required"`
}

func ExecCommand(c *gin.Context, s *Services) {
	var req execRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.Ops.Exec(c.Request.Context(), c.Param("id"), req.Command)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(res))
}

func DeviceStatus(c *gin.Context, s *Services) {
	status, err := s.Ops.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(status))
}

func DeviceLogs(c *gin.Context, s *Services) {
	lines := 0
	if v := c.Query("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, fmt.Errorf("%w: bad lines %q", models.ErrInvalid, v))
			return
		}
		lines = n
	}
	out, err := s.Ops.TailLog(c.Request.Context(), c.Param("id"), c.Query("path"), lines)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"path": c.Query("path"), "content": out}))
}

// SubmitDeployment starts a job per device. Per-device rejections are reported in the
// submissions; the request itself fails only when it is malformed.
func SubmitDeployment(c *gin.Context, s *Services) {
	var req models.DeployRequest
	if !bind(c, &req) {
		return
	}
	subs, err := s.Dispatcher.Submit(req.DeviceIDs, req.BuildPath, req.Options)
	if err != nil {
		if errors.Is(err, models.ErrInvalid) {
			respondError(c, err)
		} else {
			c.JSON(http.StatusServiceUnavailable, models.ErrorResponse(err))
		}
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(subs))
}

// GetJobs lists retained jobs, optionally only those of one device.
func GetJobs(c *gin.Context, s *Services) {
	deviceID := c.Query("device_id")
	jobs := make([]models.Job, 0)
	for _, job := range s.Dispatcher.List() {
		if deviceID == "" || job.DeviceID == deviceID {
			jobs = append(jobs, job)
		}
	}
	c.JSON(http.StatusOK, models.SuccessResponse(jobs))
}

func GetJob(c *gin.Context, s *Services) {
	job, err := s.Dispatcher.Status(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(job))
}

func CancelJob(c *gin.Context, s *Services) {
	if err := s.Dispatcher.Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	job, err := s.Dispatcher.Status(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(job))
}

// ListTitles returns what the device reports as installed.
func ListTitles(c *gin.Context, s *Services) {
	titles, err := s.Ops.ListTitles(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(titles))
}

// DeleteTitle removes a title. A device with a deployment in progress is left alone.
func DeleteTitle(c *gin.Context, s *Services) {
	id := c.Param("id")
	if job, ok := s.Dispatcher.Active(id); ok {
		respondError(c, fmt.Errorf("%w: job %s is running on device %s", models.ErrDeviceBusy, job.ID, id))
		return
	}
	out, err := s.Ops.DeleteTitle(c.Request.Context(), id, c.Param("game_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"game_id": c.Param("game_id"), "output": out}))
}
