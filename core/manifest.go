package core

// GPUProfile describes a manifest's graphics/accelerator capability, one of
// the capability axes a CapabilitySelector can constrain on.
type GPUProfile struct {
	APIs        []string `json:"apis,omitempty"` // e.g. "vulkan", "cuda", "metal"
	VRAMMB      int      `json:"vramMb,omitempty"`
	TensorCores bool     `json:"tensorCores,omitempty"`
	Features    []string `json:"features,omitempty"`
}

// Peripheral describes a sensor or actuator a manifest exposes: a type tag,
// the protocol it speaks, and whether it is currently active.
type Peripheral struct {
	Type     string `json:"type"`
	Protocol string `json:"protocol"`
	Active   bool   `json:"active"`
}

// EnergyProfile describes a node's power posture, feeding the dispatch
// scoring formula's renewable-share term (E).
type EnergyProfile struct {
	RenewablePct float64 `json:"renewablePct"` // 0..100
	BatteryPct   float64 `json:"batteryPct,omitempty"`
	Charging     bool    `json:"charging,omitempty"`
	Watts        float64 `json:"watts,omitempty"`
}

// NodeManifest describes a mesh participant's compute and physical
// capabilities, advertised so dispatch can match work to capable nodes
// before soliciting bids. The latest manifest per DID wins.
type NodeManifest struct {
	NodeDID       DID               `json:"nodeDid"`
	Arch          string            `json:"arch"`
	Cores         int               `json:"cores"`
	RAMMB         int               `json:"ramMb"`
	StorageMB     int               `json:"storageMb"`
	GPU           *GPUProfile       `json:"gpu,omitempty"`
	Sensors       []Peripheral      `json:"sensors,omitempty"`
	Actuators     []Peripheral      `json:"actuators,omitempty"`
	Energy        EnergyProfile     `json:"energy"`
	FirmwareHash  string            `json:"firmwareHash,omitempty"`
	Protocols     []string          `json:"protocols,omitempty"`
	Extensions    map[string]string `json:"extensions,omitempty"`
	TimestampUnix int64             `json:"timestampUnix"`
}

// PeripheralRequirement names a sensor/actuator a selector requires,
// optionally constraining its protocol and requiring it be active.
type PeripheralRequirement struct {
	Type          string `json:"type"`
	Protocol      string `json:"protocol,omitempty"`
	RequireActive bool   `json:"requireActive,omitempty"`
}

// CapabilitySelector is a conjunction of minimum requirements a manifest
// must satisfy to be eligible for a dispatch (§4.F): matching is total, all
// present requirements must hold.
type CapabilitySelector struct {
	Arch              string                  `json:"arch,omitempty"`
	MinCores          int                     `json:"minCores"`
	MinRAMMB          int                     `json:"minRamMb"`
	MinStorageMB      int                     `json:"minStorageMb"`
	RequireGPU        bool                    `json:"requireGpu"`
	MinVRAMMB         int                     `json:"minVramMb,omitempty"`
	RequireSensors    []PeripheralRequirement `json:"requireSensors,omitempty"`
	RequireActuators  []PeripheralRequirement `json:"requireActuators,omitempty"`
	MinRenewablePct   float64                 `json:"minRenewablePct,omitempty"`
	RequireProtocol   []string                `json:"requireProtocol,omitempty"`
	RequireExtensions map[string]string       `json:"requireExtensions,omitempty"`
}

// Matches reports whether manifest satisfies every clause of sel.
func (sel CapabilitySelector) Matches(manifest NodeManifest) bool {
	if sel.Arch != "" && manifest.Arch != sel.Arch {
		return false
	}
	if manifest.Cores < sel.MinCores {
		return false
	}
	if manifest.RAMMB < sel.MinRAMMB {
		return false
	}
	if manifest.StorageMB < sel.MinStorageMB {
		return false
	}
	if sel.RequireGPU && manifest.GPU == nil {
		return false
	}
	if sel.MinVRAMMB > 0 && (manifest.GPU == nil || manifest.GPU.VRAMMB < sel.MinVRAMMB) {
		return false
	}
	for _, req := range sel.RequireSensors {
		if !matchesPeripheral(manifest.Sensors, req) {
			return false
		}
	}
	for _, req := range sel.RequireActuators {
		if !matchesPeripheral(manifest.Actuators, req) {
			return false
		}
	}
	if sel.MinRenewablePct > 0 && manifest.Energy.RenewablePct < sel.MinRenewablePct {
		return false
	}
	for _, p := range sel.RequireProtocol {
		if !containsString(manifest.Protocols, p) {
			return false
		}
	}
	for k, v := range sel.RequireExtensions {
		if manifest.Extensions[k] != v {
			return false
		}
	}
	return true
}

func matchesPeripheral(have []Peripheral, req PeripheralRequirement) bool {
	for _, p := range have {
		if p.Type != req.Type {
			continue
		}
		if req.Protocol != "" && p.Protocol != req.Protocol {
			continue
		}
		if req.RequireActive && !p.Active {
			continue
		}
		return true
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Bid is one node's offer to execute a dispatch, carrying the signals the
// §4.F scoring formula weighs: advertised latency, offered memory/cores
// (compared against the request's requirements to derive R), reputation,
// and renewable energy share.
type Bid struct {
	BidID         string  `json:"bidId"`
	DispatchID    string  `json:"dispatchId"`
	Bidder        DID     `json:"bidder"`
	LatencyMS     float64 `json:"latencyMs"`
	MemoryMB      int     `json:"memoryMb"`
	Cores         int     `json:"cores"`
	ReputationPct float64 `json:"reputationPct"` // 0..100
	RenewablePct  float64 `json:"renewablePct"`  // 0..100
	TimestampUnix int64   `json:"timestampUnix"`
}

// Score computes a bid's dispatch score per §4.F:
//
//	score = 0.3*L + 0.25*R + 0.2*Rep + 0.25*E, scaled by priority/50
//
// L = 1 - latency/max_latency, clamped to [0,1], or -0.5 if latency exceeds
// max_latency. R = 1/(1 + 0.2*(mem_ratio-1) + 0.2*(core_ratio-1)) when the
// bid is at least as provisioned as requested in both memory and cores,
// else a flat 0.2 under-provisioning penalty. Rep and E are percentages
// normalized to 0..1.
func (b Bid) Score(priority int, maxLatencyMS float64, reqMemoryMB, reqCores int) float64 {
	l := 0.0
	if maxLatencyMS > 0 {
		l = 1 - b.LatencyMS/maxLatencyMS
		switch {
		case l < 0:
			l = -0.5
		case l > 1:
			l = 1
		}
	}

	r := 0.2
	memRatio := ratioOrOne(b.MemoryMB, reqMemoryMB)
	coreRatio := ratioOrOne(b.Cores, reqCores)
	if memRatio >= 1 && coreRatio >= 1 {
		r = 1 / (1 + 0.2*(memRatio-1) + 0.2*(coreRatio-1))
	}

	rep := b.ReputationPct / 100
	e := b.RenewablePct / 100

	raw := 0.3*l + 0.25*r + 0.2*rep + 0.25*e
	return raw * (float64(priority) / 50.0)
}

func ratioOrOne(offered, requested int) float64 {
	if requested <= 0 {
		return 1
	}
	return float64(offered) / float64(requested)
}
