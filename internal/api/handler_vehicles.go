package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"mot-status-backend/internal/poller"
	"mot-status-backend/internal/reg"
	"mot-status-backend/internal/store"
)

// vehicleStatusResponse is the flattened structure for the API response.
type vehicleStatusResponse struct {
	Registration      string    `json:"registration"`
	Vehicle           string    `json:"vehicle,omitempty"`
	Make              string    `json:"make,omitempty"`
	Model             string    `json:"model,omitempty"`
	PrimaryColour     string    `json:"primaryColour,omitempty"`
	SecondaryColour   string    `json:"secondaryColour,omitempty"`
	FuelType          string    `json:"fuelType,omitempty"`
	EngineSize        string    `json:"engineSize,omitempty"`
	Status            string    `json:"status"`
	DueDate           *string   `json:"dueDate"`
	DaysRemaining     *int      `json:"daysRemaining"`
	LastTestResult    string    `json:"lastTestResult,omitempty"`
	LastTestDate      *string   `json:"lastTestDate"`
	OdometerValue     string    `json:"odometerValue,omitempty"`
	OdometerUnit      string    `json:"odometerUnit,omitempty"`
	AnnualMileage     *int      `json:"annualMileageEstimate"`
	AnnualMileageUnit string    `json:"annualMileageUnit,omitempty"`
	HasRecall         bool      `json:"hasOutstandingRecall"`
	Available         bool      `json:"available"`
	LastError         string    `json:"lastError,omitempty"`
	ObservedAt        time.Time `json:"observedAt"`
}

func toResponse(vs store.VehicleStatus) vehicleStatusResponse {
	resp := vehicleStatusResponse{
		Registration:      vs.Status.Registration,
		Make:              vs.Vehicle.Make,
		Model:             vs.Vehicle.Model,
		PrimaryColour:     vs.Vehicle.PrimaryColour,
		SecondaryColour:   vs.Vehicle.SecondaryColour,
		FuelType:          vs.Vehicle.FuelType,
		EngineSize:        vs.Vehicle.EngineSize,
		Status:            vs.Status.Status,
		DaysRemaining:     vs.Status.DaysRemaining,
		LastTestResult:    vs.Status.LastTestResult,
		OdometerValue:     vs.Status.OdometerValue,
		OdometerUnit:      vs.Status.OdometerUnit,
		AnnualMileage:     vs.Status.AnnualMileage,
		AnnualMileageUnit: vs.Status.AnnualMileageUnit,
		HasRecall:         vs.Vehicle.HasRecall,
		Available:         vs.Status.Available,
		LastError:         vs.Status.LastError,
		ObservedAt:        vs.Status.ObservedAt,
	}
	if vs.Vehicle.Make != "" || vs.Vehicle.Model != "" {
		switch {
		case vs.Vehicle.Make != "" && vs.Vehicle.Model != "":
			resp.Vehicle = vs.Vehicle.Make + " " + vs.Vehicle.Model
		case vs.Vehicle.Make != "":
			resp.Vehicle = vs.Vehicle.Make
		default:
			resp.Vehicle = vs.Vehicle.Model
		}
	}
	if vs.Status.DueDate != nil {
		d := vs.Status.DueDate.Format("2006-01-02")
		resp.DueDate = &d
	}
	if vs.Status.LastTestDate != nil {
		d := vs.Status.LastTestDate.Format("2006-01-02")
		resp.LastTestDate = &d
	}
	return resp
}

// GetVehicles handles the GET /api/vehicles request.
func (h *Handler) GetVehicles(c *gin.Context) {
	statuses, err := h.store.ListStatuses(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve vehicle statuses"})
		return
	}

	response := make([]vehicleStatusResponse, 0, len(statuses))
	for _, vs := range statuses {
		response = append(response, toResponse(vs))
	}
	c.JSON(http.StatusOK, response)
}

// GetVehicle handles the GET /api/vehicles/{registration} request.
func (h *Handler) GetVehicle(c *gin.Context) {
	registration := reg.Normalize(c.Param("registration"))

	vs, err := h.store.GetStatus(c.Request.Context(), registration)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Unknown registration"})
		} else {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve vehicle status"})
		}
		return
	}
	c.JSON(http.StatusOK, toResponse(*vs))
}

// RefreshVehicle handles POST /api/vehicles/{registration}/refresh, the
// manual refresh trigger. The poll runs synchronously, so the response
// carries the freshly stored snapshot.
func (h *Handler) RefreshVehicle(c *gin.Context) {
	registration := reg.Normalize(c.Param("registration"))

	if err := h.poller.RefreshOne(c.Request.Context(), registration); err != nil {
		if errors.Is(err, poller.ErrUnknownRegistration) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Registration is not configured"})
		} else {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Refresh failed"})
		}
		return
	}

	vs, err := h.store.GetStatus(c.Request.Context(), registration)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve refreshed status"})
		return
	}
	c.JSON(http.StatusOK, toResponse(*vs))
}
