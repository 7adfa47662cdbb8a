package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/raylight/engine/renderer/rhi"
)

type groupKind uint8

const (
	groupRayGen groupKind = iota
	groupMiss
	groupHit
)

type shaderGroup struct {
	kind       groupKind
	raygen     rhi.RayGenKernel
	miss       rhi.MissKernel
	closestHit rhi.ClosestHitKernel
	anyHit     rhi.AnyHitKernel
}

type Pipeline struct {
	id     uuid.UUID
	label  string
	depth  uint32
	groups []shaderGroup
}

func (d *Device) CreateRayTracingPipeline(desc rhi.RayTracingPipelineDesc) (rhi.Pipeline, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if desc.RayGen == nil {
		return nil, fmt.Errorf("pipeline %q: no raygen shader", desc.Label)
	}
	if desc.MaxRecursionDepth == 0 || desc.MaxRecursionDepth > d.limits.MaxRayRecursionDepth {
		return nil, fmt.Errorf("pipeline %q: recursion depth %d not in [1, %d]", desc.Label, desc.MaxRecursionDepth, d.limits.MaxRayRecursionDepth)
	}
	if desc.PushConstantSize > d.limits.MaxPushConstantSize {
		return nil, fmt.Errorf("pipeline %q: push constants %d exceed %d", desc.Label, desc.PushConstantSize, d.limits.MaxPushConstantSize)
	}
	p := &Pipeline{id: uuid.New(), label: desc.Label, depth: desc.MaxRecursionDepth}

	rg, ok := desc.RayGen.Kernel.(rhi.RayGenKernel)
	if !ok || desc.RayGen.Stage != rhi.StageRayGen {
		return nil, kernelError(desc.Label, desc.RayGen)
	}
	p.groups = append(p.groups, shaderGroup{kind: groupRayGen, raygen: rg})

	for _, m := range desc.Miss {
		k, ok := m.Kernel.(rhi.MissKernel)
		if !ok || m.Stage != rhi.StageMiss {
			return nil, kernelError(desc.Label, m)
		}
		p.groups = append(p.groups, shaderGroup{kind: groupMiss, miss: k})
	}

	for _, hg := range desc.HitGroups {
		g := shaderGroup{kind: groupHit}
		if hg.ClosestHit != nil {
			k, ok := hg.ClosestHit.Kernel.(rhi.ClosestHitKernel)
			if !ok || hg.ClosestHit.Stage != rhi.StageClosestHit {
				return nil, kernelError(desc.Label, hg.ClosestHit)
			}
			g.closestHit = k
		}
		if hg.AnyHit != nil {
			k, ok := hg.AnyHit.Kernel.(rhi.AnyHitKernel)
			if !ok || hg.AnyHit.Stage != rhi.StageAnyHit {
				return nil, kernelError(desc.Label, hg.AnyHit)
			}
			g.anyHit = k
		}
		p.groups = append(p.groups, g)
	}
	d.log.Debug("created pipeline %s with %d groups", desc.Label, len(p.groups))
	return p, nil
}

func kernelError(pipeline string, m *rhi.ShaderModule) error {
	return fmt.Errorf("pipeline %q: shader %q (%s) has no host kernel of the matching type (%T)", pipeline, m.Label, m.Stage, m.Kernel)
}

func (p *Pipeline) ID() uuid.UUID { return p.id }
func (p *Pipeline) Label() string { return p.label }
func (p *Pipeline) GroupCount() int { return len(p.groups) }
func (p *Pipeline) Destroy() {}

// ShaderGroupHandle encodes the pipeline id followed by the group index.
func (p *Pipeline) ShaderGroupHandle(group int) ([]byte, error) {
	if group < 0 || group >= len(p.groups) {
		return nil, fmt.Errorf("pipeline %s: group %d out of range", p.label, group)
	}
	h := make([]byte, handleSize)
	copy(h, p.id[:])
	binary.LittleEndian.PutUint32(h[16:], uint32(group)+1)
	return h, nil
}

// resolveHandle maps handle bytes read from a binding table back to a
// shader group of this pipeline. Zeroed records resolve to nothing.
func (p *Pipeline) resolveHandle(h []byte) (*shaderGroup, error) {
	if [16]byte(h[:16]) != [16]byte(p.id) {
		return nil, fmt.Errorf("binding table record does not belong to pipeline %s", p.label)
	}
	g := binary.LittleEndian.Uint32(h[16:20])
	if g == 0 || int(g) > len(p.groups) {
		return nil, fmt.Errorf("binding table record names group %d of %d", g, len(p.groups))
	}
	return &p.groups[g-1], nil
}
