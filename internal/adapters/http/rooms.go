package http

import (
	"net/http"

	"github.com/dkeye/Huddle/internal/app/presence"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
)

func listRooms(reg *presence.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": reg.List()})
	}
}

func roomMembers(reg *presence.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		room := domain.RoomID(c.Param("room"))
		if err := domain.ValidateRoomID(room); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": domain.Reason(err)})
			return
		}
		members := reg.Roster(room)
		if len(members) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"room":    room,
			"count":   len(members),
			"members": members,
		})
	}
}
