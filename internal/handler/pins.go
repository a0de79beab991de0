package handler

import (
	"github.com/gin-gonic/gin"

	"pawkeeper-live/internal/geo"
	"pawkeeper-live/internal/model"
	"pawkeeper-live/internal/sitters"
)

type PinHandler struct {
	Sitters *sitters.Service
	Users   UserLookup
}

// radiusQuery carries maxDistance in kilometers.
type radiusQuery struct {
	Lat         *float64 `form:"lat" binding:"required"`
	Lng         *float64 `form:"lng" binding:"required"`
	MaxDistance *float64 `form:"maxDistance" binding:"required"`
}

type boundsQuery struct {
	North *float64 `form:"north" binding:"required"`
	South *float64 `form:"south" binding:"required"`
	East  *float64 `form:"east" binding:"required"`
	West  *float64 `form:"west" binding:"required"`
}

type publishPinBody struct {
	Lat           *float64        `json:"lat" binding:"required"`
	Lng           *float64        `json:"lng" binding:"required"`
	Title         *string         `json:"title"`
	Description   *string         `json:"description"`
	ServiceRadius *float64        `json:"serviceRadius"`
	Services      []model.Service `json:"services"`
	Availability  *string         `json:"availability"`
	HourlyRate    *float64        `json:"hourlyRate"`
}

func (b publishPinBody) update() sitters.PinUpdate {
	return sitters.PinUpdate{
		Lat:           *b.Lat,
		Lng:           *b.Lng,
		Title:         b.Title,
		Description:   b.Description,
		ServiceRadius: b.ServiceRadius,
		Services:      b.Services,
		Availability:  b.Availability,
		HourlyRate:    b.HourlyRate,
	}
}

func (h *PinHandler) Search(c *gin.Context) {
	if _, found := actor(c, h.Users); !found {
		return
	}
	var q radiusQuery
	if !bindQuery(c, &q) {
		return
	}
	center := geo.Point{Lat: *q.Lat, Lon: *q.Lng}
	pins, err := h.Sitters.SearchByRadius(c.Request.Context(), center, *q.MaxDistance*1000)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"sitters": pins})
}

func (h *PinHandler) Within(c *gin.Context) {
	if _, found := actor(c, h.Users); !found {
		return
	}
	var q boundsQuery
	if !bindQuery(c, &q) {
		return
	}
	box := geo.Box{North: *q.North, South: *q.South, East: *q.East, West: *q.West}
	pins, err := h.Sitters.SearchByBounds(c.Request.Context(), box)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"pins": pins})
}

// Publish creates or replaces the caller's pin. Omitted profile fields keep
// their previous values.
func (h *PinHandler) Publish(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	var body publishPinBody
	if !bindJSON(c, &body) {
		return
	}
	pin, err := h.Sitters.PublishLocation(c.Request.Context(), a, body.update())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"pin": pin})
}

func (h *PinHandler) Get(c *gin.Context) {
	if _, found := actor(c, h.Users); !found {
		return
	}
	pin, err := h.Sitters.GetPin(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"pin": pin})
}

func (h *PinHandler) ByUser(c *gin.Context) {
	if _, found := actor(c, h.Users); !found {
		return
	}
	pin, err := h.Sitters.GetPinByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"pin": pin})
}

func (h *PinHandler) Delete(c *gin.Context) {
	a, found := actor(c, h.Users)
	if !found {
		return
	}
	if err := h.Sitters.RemovePin(c.Request.Context(), a); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"success": true})
}
