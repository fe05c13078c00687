package container

// Default host port bases.
const (
	DefaultWebPortBase = 8000
	DefaultHECPortBase = 8088
)

// Ports are the host ports of one instance.
type Ports struct {
	Web  int `json:"web"`
	HEC  int `json:"hec"`
	Mgmt int `json:"mgmt"`
}

// AssignPorts returns the host ports of instance k out of n. The UI port is
// webBase+k and the ingestion/management pair is hecBase+2k and hecBase+2k+1.
// When [webBase, webBase+n) would overlap [hecBase, hecBase+2n) the pair range
// is moved to start right after the UI range, so no two ports of any two
// instances collide.
func AssignPorts(k, n, webBase, hecBase int) Ports {
	if n < 1 {
		n = 1
	}
	webEnd := webBase + n
	hecEnd := hecBase + 2*n
	if webBase < hecEnd && hecBase < webEnd {
		hecBase = webEnd
	}
	return Ports{
		Web:  webBase + k,
		HEC:  hecBase + 2*k,
		Mgmt: hecBase + 2*k + 1,
	}
}
