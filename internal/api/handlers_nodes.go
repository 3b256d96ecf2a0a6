package api

import (
	"net/http"
	"net/netip"
	"slices"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/t77yq/netwatch/internal/model"
	"github.com/t77yq/netwatch/internal/protocol"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// listNodes returns every tracked node ordered by IP
func (s *Server) listNodes(c echo.Context) error {
	overview := s.registry.Overview()
	slices.SortFunc(overview, func(a, b model.NodeOverview) int {
		return a.IP.Compare(b.IP)
	})

	nodes := make([]NodeSummary, 0, len(overview))
	for _, o := range overview {
		nodes = append(nodes, newNodeSummary(o))
	}
	return c.JSON(http.StatusOK, nodes)
}

// getNode returns one node with its full usage history
func (s *Server) getNode(c echo.Context) error {
	ip, err := parseIPParam(c)
	if err != nil {
		return err
	}

	detail, ok := s.registry.Node(ip)
	if !ok {
		return NotFoundError("Node", ip.String())
	}
	return c.JSON(http.StatusOK, newNodeResponse(detail))
}

// listNodeEvents pages through the journal entries of one node
func (s *Server) listNodeEvents(c echo.Context) error {
	if s.journal == nil {
		return NewAPIError(http.StatusNotFound, "Event journal is disabled", "")
	}

	ip, err := parseIPParam(c)
	if err != nil {
		return err
	}
	offset, err := intQueryParam(c, "offset", 0)
	if err != nil {
		return err
	}
	limit, err := intQueryParam(c, "limit", defaultEventLimit)
	if err != nil {
		return err
	}
	if offset < 0 {
		return BadRequestError("Invalid offset", "offset must not be negative")
	}
	if limit < 1 || limit > maxEventLimit {
		return BadRequestError("Invalid limit", "limit must be between 1 and "+strconv.Itoa(maxEventLimit))
	}

	ctx := c.Request().Context()
	events, err := s.journal.List(ctx, ip, offset, limit)
	if err != nil {
		return InternalError("Failed to list node events", err.Error())
	}
	total, err := s.journal.Count(ctx, ip)
	if err != nil {
		return InternalError("Failed to count node events", err.Error())
	}

	return c.JSON(http.StatusOK, EventListResponse{
		Events: events,
		Total:  total,
		Offset: offset,
		Limit:  limit,
	})
}

func parseIPParam(c echo.Context) (netip.Addr, error) {
	raw := c.Param("ip")
	ip, err := protocol.ParseIPv4(raw)
	if err != nil {
		return netip.Addr{}, BadRequestError("Invalid IPv4 address", raw)
	}
	return ip, nil
}

func intQueryParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, BadRequestError("Invalid "+name, raw)
	}
	return v, nil
}
