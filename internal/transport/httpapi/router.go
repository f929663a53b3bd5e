// Package httpapi is the HTTP surface of the server: health, match
// listings, replay downloads, message schemas and the websocket routes.
package httpapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"voxelcombat.gg/internal/match"
	"voxelcombat.gg/internal/persistence/indexdb"
	"voxelcombat.gg/internal/protocol"
)

// History is the read side of the match index.
type History interface {
	Matches(ctx context.Context, limit int) ([]indexdb.MatchRow, error)
	Digests(ctx context.Context, matchID string, from, to int64) (map[int64]string, error)
}

type Deps struct {
	Matches *match.Manager
	// History may be nil when no index is configured.
	History History

	Players   http.Handler
	Observers http.Handler
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "matches": len(d.Matches.List())})
	})

	v1 := r.Group("/v1")
	v1.GET("/matches", listMatches(d))
	v1.GET("/matches/:id/replay", matchReplay(d))
	v1.GET("/matches/:id/digests", matchDigests(d))
	v1.GET("/schemas", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"schemas": protocol.SchemaNames()})
	})
	v1.GET("/schemas/:name", schema)
	if d.Players != nil {
		v1.GET("/ws", gin.WrapH(d.Players))
	}
	if d.Observers != nil {
		v1.GET("/observe", gin.WrapH(d.Observers))
	}
	return r
}

func listMatches(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"live": d.Matches.List()}
		if d.History != nil {
			limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
			rows, err := d.History.Matches(c.Request.Context(), limit)
			if err != nil {
				abort(c, err)
				return
			}
			resp["history"] = rows
		}
		c.JSON(http.StatusOK, resp)
	}
}

func matchReplay(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		rt, err := d.Matches.Get(c.Param("id"))
		if err != nil {
			abort(c, err)
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		var data protocol.ReplayData
		err = rt.Call(ctx, func(s *match.Server) error {
			var err error
			data, err = s.GetReplay(s.ServerID())
			return err
		})
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, data)
	}
}

func matchDigests(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d.History == nil {
			abort(c, protocol.Errorf(protocol.NotFound, "no match index configured"))
			return
		}
		from, err1 := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
		to, err2 := strconv.ParseInt(c.DefaultQuery("to", strconv.FormatInt(math.MaxInt64, 10)), 10, 64)
		if err1 != nil || err2 != nil {
			abort(c, protocol.Errorf(protocol.BadRequest, "from/to must be integers"))
			return
		}
		digests, err := d.History.Digests(c.Request.Context(), c.Param("id"), from, to)
		if err != nil {
			abort(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"match_id": c.Param("id"), "digests": digests})
	}
}

func schema(c *gin.Context) {
	b, err := protocol.Schema(c.Param("name"))
	if err != nil {
		abort(c, err)
		return
	}
	c.Data(http.StatusOK, "application/schema+json", b)
}

func abort(c *gin.Context, err error) {
	code := protocol.CodeOf(err)
	c.AbortWithStatusJSON(httpStatus(code), gin.H{"code": code, "message": protocol.MessageOf(err)})
}

func httpStatus(code protocol.StatusCode) int {
	switch code {
	case protocol.OK:
		return http.StatusOK
	case protocol.NotFound:
		return http.StatusNotFound
	case protocol.BadRequest:
		return http.StatusBadRequest
	case protocol.NotRegistered, protocol.NotAuthorized:
		return http.StatusForbidden
	case protocol.NotAllowed, protocol.Paused, protocol.AlreadyLaunched:
		return http.StatusConflict
	case protocol.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
