package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type Server struct {
	Registry    availability.Registry
	Rides       storage.RideStore
	Broadcasts  broadcast.Store
	Queue       notify.Queue
	Coordinator *dispatch.Coordinator
	Arbiter     *arbiter.Arbiter
	Lifecycle   *lifecycle.Service
	WSReg       *notify.WSRegistry
	Kafka       *ingest.Producer
	Payments    *payments.StripeClient
	Fare        fare.Config

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}", s.handleDriverGet).Methods("GET")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/status", s.handleDriverStatus).Methods("PUT")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/notifications", s.handleDriverNotifications).Methods("GET")

	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleRideGet).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/broadcast", s.handleBroadcastGet).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/expand", s.handleExpand).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arrive", s.handleArrive).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type driverLocationIn struct {
	DriverID string  `json:"driver_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var in driverLocationIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if in.DriverID == "" {
		writeError(w, 400, "driver_id required")
		return
	}
	loc := models.Coord{Lat: in.Lat, Lon: in.Lon}
	if err := s.Registry.UpdateLocation(r.Context(), in.DriverID, loc); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if s.Kafka != nil {
		_ = s.Kafka.PublishLocation(models.DriverAvailability{DriverID: in.DriverID, Loc: loc})
	}
	w.WriteHeader(204)
}

func (s *Server) handleDriverGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	rec, found, err := s.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if !found {
		writeError(w, 404, "driver not known")
		return
	}
	writeJSON(w, 200, rec)
}

type driverStatusIn struct {
	Status models.AvailabilityStatus `json:"status"`
	Lat    float64                   `json:"lat"`
	Lon    float64                   `json:"lon"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	var in driverStatusIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	var err error
	switch in.Status {
	case models.DriverAvailable:
		err = s.Registry.SetAvailable(r.Context(), id, models.Coord{Lat: in.Lat, Lon: in.Lon})
	case models.DriverBusy:
		err = s.Registry.SetBusy(r.Context(), id)
	case models.DriverUnavailable:
		err = s.Registry.SetUnavailable(r.Context(), id)
	default:
		writeError(w, 400, "unknown status")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	w.WriteHeader(204)
}

func (s *Server) handleDriverNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	pending, err := s.Queue.Pending(r.Context(), id)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{"driver_id": id, "notifications": pending})
}

type rideRequestIn struct {
	RiderID     string       `json:"rider_id"`
	Pickup      models.Coord `json:"pickup"`
	Destination models.Coord `json:"destination"`
	Surge       float64      `json:"surge"`
	CustomerID  string       `json:"customer_id"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var in rideRequestIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if in.RiderID == "" {
		writeError(w, 400, "rider_id required")
		return
	}

	dist := geo.DistanceKm(in.Pickup.Lat, in.Pickup.Lon, in.Destination.Lat, in.Destination.Lon)
	estimate, _ := s.Fare.Amount(dist, in.Surge)

	ride := &models.Ride{
		ID:            newID(),
		RiderID:       in.RiderID,
		Status:        models.StatusRequested,
		Pickup:        in.Pickup,
		Destination:   in.Destination,
		EstimatedFare: estimate,
		Surge:         in.Surge,
		RequestedAt:   time.Now().UTC(),
	}
	if ride.Surge <= 0 {
		ride.Surge = 1
	}
	if s.Payments != nil && in.CustomerID != "" {
		ref, err := s.Payments.Hold(r.Context(), int64(estimate*100), "inr", in.CustomerID)
		if err != nil {
			s.logger.Warn("payment hold failed", "rider_id", in.RiderID, "error", err)
		} else {
			ride.PaymentRef = ref
		}
	}
	if err := s.Rides.Save(r.Context(), ride); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if s.Kafka != nil {
		_ = s.Kafka.PublishRideEvent(ingest.RideEvent{Type: ingest.EventRideRequested, RideID: ride.ID, At: ride.RequestedAt})
	}

	res, err := s.Coordinator.Broadcast(r.Context(), dispatch.Request{
		RideID:        ride.ID,
		Pickup:        ride.Pickup,
		Destination:   ride.Destination,
		EstimatedFare: ride.EstimatedFare,
		RadiusKm:      s.cfg.BaseRadiusKm,
	})
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 201, map[string]any{
		"ride":             ride,
		"distance_km":      dist,
		"notified_drivers": len(res.NotifiedDrivers),
		"radius_km":        res.RadiusKm,
	})
}

func (s *Server) handleRideGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	ride, err := s.Rides.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, 404, "ride not found")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, ride)
}

func (s *Server) handleBroadcastGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	rec, err := s.Broadcasts.Get(r.Context(), id)
	if errors.Is(err, broadcast.ErrNotFound) {
		writeError(w, 404, "no broadcast for ride")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	rejs, err := s.Broadcasts.Rejections(r.Context(), id)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{"broadcast": rec, "rejections": rejs})
}

type acceptIn struct {
	DriverID string `json:"driver_id"`
	RiderID  string `json:"rider_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var in acceptIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	res, err := s.Arbiter.Accept(r.Context(), rideID, in.DriverID, in.RiderID)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	switch res.Outcome {
	case arbiter.Won:
		writeJSON(w, 200, map[string]any{
			"outcome":     res.Outcome.String(),
			"ride":        res.Ride,
			"distance_km": res.DistanceKm,
			"eta_minutes": res.ETAMinutes,
		})
	case arbiter.NotFound:
		writeError(w, 404, "ride not found")
	case arbiter.DriverUnavailable:
		writeError(w, 409, "driver not available")
	default: // AlreadyMatched, Busy
		writeJSON(w, 409, map[string]any{"outcome": res.Outcome.String(), "ride": res.Ride})
	}
}

type rejectIn struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var in rejectIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	out, err := s.Coordinator.Reject(r.Context(), rideID, in.DriverID)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	switch out {
	case dispatch.RejectRecorded:
		remaining, _ := s.Coordinator.RemainingDrivers(r.Context(), rideID)
		writeJSON(w, 200, map[string]any{"outcome": out.String(), "remaining_drivers": remaining})
	case dispatch.RejectRideNotFound:
		writeError(w, 404, "ride not found")
	case dispatch.RejectNotNotified:
		writeError(w, 409, "driver was not notified for this ride")
	default:
		writeError(w, 409, "ride already resolved")
	}
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]

	rec, err := s.Broadcasts.Get(r.Context(), rideID)
	if errors.Is(err, broadcast.ErrNotFound) {
		writeError(w, 404, "no broadcast for ride")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if rec.RadiusKm >= s.cfg.MaxRadiusKm {
		writeError(w, 409, "search radius already at maximum")
		return
	}
	inc := s.cfg.RadiusIncrementKm
	if rec.RadiusKm+inc > s.cfg.MaxRadiusKm {
		inc = s.cfg.MaxRadiusKm - rec.RadiusKm
	}

	res, err := s.Coordinator.Expand(r.Context(), rideID, inc)
	if errors.Is(err, dispatch.ErrRideNotFound) {
		writeError(w, 404, "ride not found")
		return
	}
	if errors.Is(err, dispatch.ErrRideNotOpen) {
		writeError(w, 409, "ride is not open for dispatch")
		return
	}
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{
		"radius_km":      res.NewRadiusKm,
		"newly_notified": res.NewlyNotified,
	})
}

type driverActionIn struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var in driverActionIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	ride, err := s.Lifecycle.Arrive(r.Context(), rideID, in.DriverID)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, 200, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var in driverActionIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	ride, err := s.Lifecycle.Start(r.Context(), rideID, in.DriverID)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, 200, ride)
}

type completeIn struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var in completeIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	ride, err := s.Lifecycle.Complete(r.Context(), rideID, in.DriverID, in.DistanceKm)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, 200, ride)
}

type cancelIn struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var in cancelIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	ride, err := s.Lifecycle.Cancel(r.Context(), rideID, in.UserID, in.Reason)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, 200, ride)
}

func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrRideNotFound):
		writeError(w, 404, "ride not found")
	case errors.Is(err, lifecycle.ErrNotParticipant):
		writeError(w, 403, "caller is not part of this ride")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, 409, "ride status does not allow this")
	case errors.Is(err, lifecycle.ErrConflict):
		writeError(w, 409, "ride changed concurrently, retry")
	case errors.Is(err, lifecycle.ErrValidation):
		writeError(w, 400, "invalid input")
	default:
		writeError(w, 500, err.Error())
	}
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, 400, "upgrade failed")
		return
	}
	s.WSReg.Add(id, conn)
	// reader goroutine detects disconnects; drivers only receive
	go func() {
		defer s.WSReg.Remove(id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
