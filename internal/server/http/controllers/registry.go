package controllers

import "github.com/go-chi/chi/v5"

// ControllerRegistry groups every HTTP controller.
type ControllerRegistry struct {
	general  *GeneralController
	subfeeds *SubfeedsController
}

// NewControllerRegistry builds all controllers from their data sources.
func NewControllerRegistry(health HealthChecker, status StatusSource, feeds FeedReader) *ControllerRegistry {
	return &ControllerRegistry{
		general:  NewGeneralController(health, status),
		subfeeds: NewSubfeedsController(feeds),
	}
}

// RegisterAllRoutes registers every controller's routes on r.
func (r *ControllerRegistry) RegisterAllRoutes(router chi.Router) {
	r.general.RegisterRoutes(router)
	r.subfeeds.RegisterRoutes(router)
}
