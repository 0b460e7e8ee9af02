package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/couriernet/courier/src/messaging"
	"github.com/sirupsen/logrus"
)

// Service exposes the messaging layer's state over HTTP.
type Service struct {
	sync.Mutex

	bindAddress string
	messaging   *messaging.Service
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, m *messaging.Service, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		messaging:   m,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers. This is usefull when Courier is used
// in-memory and expected to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Courier API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/retries", s.makeHandler(s.GetRetries))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when Courier is used in-memory and another server has already
// been started with the DefaultServerMux and the same address:port
// combination. Indeed, Courier API handlers have already been registered when
// the service was instantiated.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Courier API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.messaging.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetRetries dumps the pending-retry ledger.
func (s *Service) GetRetries(w http.ResponseWriter, r *http.Request) {
	retries, err := s.messaging.PendingRetries()

	if err != nil {
		s.logger.WithError(err).Error("Retrieving pending retries")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(retries)
}
