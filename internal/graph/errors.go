package graph

import (
	"fmt"

	"github.com/valyala/fasthttp"
)

// LoadErrorKind enumerates resolver failures. The first three are
// client-addressable; the inconsistency kinds mean the data model itself is
// broken and retrying cannot help.
type LoadErrorKind int

const (
	KindInvalidVirtualKey LoadErrorKind = iota
	KindInvalidDeploymentName
	KindInvalidVirtualKeyDeployment
	KindInconsistentProject
	KindInconsistentConnectionDeployments
	KindInconsistentConnection
)

// LoadError is returned by Resolver.Resolve when the graph cannot be
// assembled.
type LoadError struct {
	Kind   LoadErrorKind
	Detail string
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case KindInvalidVirtualKey:
		return "graph: unknown virtual key"
	case KindInvalidDeploymentName:
		return fmt.Sprintf("graph: unknown deployment %q", e.Detail)
	case KindInvalidVirtualKeyDeployment:
		return fmt.Sprintf("graph: virtual key is not authorized for deployment %q", e.Detail)
	case KindInconsistentProject:
		return "graph: inconsistent data: project missing"
	case KindInconsistentConnectionDeployments:
		return "graph: inconsistent data: connection-deployment rows missing"
	case KindInconsistentConnection:
		return "graph: inconsistent data: connection rows missing"
	default:
		return "graph: load failed"
	}
}

// HTTPStatus maps the kind to the client-facing status: unknown key 401,
// unknown or unauthorized deployment 404, inconsistencies 500.
func (e *LoadError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidVirtualKey:
		return fasthttp.StatusUnauthorized
	case KindInvalidDeploymentName, KindInvalidVirtualKeyDeployment:
		return fasthttp.StatusNotFound
	default:
		return fasthttp.StatusInternalServerError
	}
}
