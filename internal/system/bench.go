package system

import (
	"fmt"

	"github.com/opensupply/OpenSupplyCore/internal/config"
	"github.com/opensupply/OpenSupplyCore/internal/hal/sim"
	"github.com/opensupply/OpenSupplyCore/internal/types"
)

// buildRig wires a simulated bench for one profile: contactor outputs
// mirrored onto their status inputs, the remaining inputs healthy,
// bus voltages inside the profile's window and an R-L branch under
// the controlled signal so closed-loop references actually settle.
func buildRig(p *types.SupplyProfileDefinition, simCfg config.SimConfig) (*sim.Rig, error) {
	ch := p.Channels
	rig := sim.NewRig(span(ch.Analog), span(ch.PWM), span(ch.DigitalIn), span(ch.DigitalOut))

	coupled := make(map[int]bool)
	for name, out := range ch.DigitalOut {
		in, ok := ch.DigitalIn[name+"_status"]
		if !ok {
			return nil, fmt.Errorf("profile %s: no status input for %s", p.SupplyProfile.ID, name)
		}
		rig.CouplePins(out, in)
		coupled[in] = true
	}
	// Inputs not answering a contactor are health pins; the bench
	// reports them all good.
	for _, pin := range ch.DigitalIn {
		if !coupled[pin] {
			rig.SetInput(pin, true)
		}
	}

	switch p.SupplyProfile.Topology {
	case "fbp":
		return rig, wireFBP(rig, p, simCfg)
	case "fac_2p4s_acdc":
		return rig, wireFAC(rig, p, simCfg)
	case "fap_4p":
		return rig, wireFAP(rig, p, simCfg)
	default:
		return nil, fmt.Errorf("no bench wiring for topology %q", p.SupplyProfile.Topology)
	}
}

// span sizes one rig bank from a channel map.
func span(m map[string]int) int {
	max := -1
	for _, idx := range m {
		if idx > max {
			max = idx
		}
	}
	return max + 1
}

func wireFBP(rig *sim.Rig, p *types.SupplyProfileDefinition, simCfg config.SimConfig) error {
	vdc, err := analogCh(p, "v_dclink")
	if err != nil {
		return err
	}
	iLoad, err := analogCh(p, "i_load")
	if err != nil {
		return err
	}
	duty, err := pwmCh(p, "main")
	if err != nil {
		return err
	}

	rig.SetAnalog(vdc, float32(simCfg.BusVoltage))
	rig.AddBranch(duty, iLoad, simCfg.BusVoltage, simCfg.LoadR, simCfg.LoadL)
	return nil
}

func wireFAC(rig *sim.Rig, p *types.SupplyProfileDefinition, simCfg config.SimConfig) error {
	// The reference is the capbank voltage, so the bank branch needs
	// enough headroom to reach it at legal duty.
	vbus := simCfg.BusVoltage
	if vMax, ok := p.Limits["v_capbank_max"]; ok && vMax > vbus {
		vbus = vMax
	}

	for _, mod := range []string{"a", "b"} {
		duty, err := pwmCh(p, "module_"+mod)
		if err != nil {
			return err
		}
		vCap, err := analogCh(p, "v_capbank_"+mod)
		if err != nil {
			return err
		}
		iRect, err := analogCh(p, "iout_rect_"+mod)
		if err != nil {
			return err
		}
		rig.AddBranch(duty, vCap, vbus, simCfg.LoadR, simCfg.LoadL*5)
		rig.AddBranch(duty, iRect, simCfg.BusVoltage/2, simCfg.LoadR*5, simCfg.LoadL)
	}
	return nil
}

func wireFAP(rig *sim.Rig, p *types.SupplyProfileDefinition, simCfg config.SimConfig) error {
	// Precharge every DC link between the undervoltage floor and the
	// turn-on ceiling.
	precharge := simCfg.BusVoltage
	vMin, okMin := p.Limits["v_dclink_min"]
	vOn, okOn := p.Limits["v_dclink_turn_on_max"]
	if okMin && okOn {
		precharge = (vMin + vOn) / 2
	}

	for mod := 1; ; mod++ {
		vdc, ok := p.Channels.Analog[fmt.Sprintf("v_dclink_mod_%d", mod)]
		if !ok {
			if mod == 1 {
				return fmt.Errorf("profile %s: no v_dclink_mod_1 channel", p.SupplyProfile.ID)
			}
			break
		}
		rig.SetAnalog(vdc, float32(precharge))
	}

	// Both DCCTs look at the same load, driven from the first leg's
	// duty.
	duty, err := pwmCh(p, "igbt_1_mod_1")
	if err != nil {
		return err
	}
	for _, name := range []string{"i_load_1", "i_load_2"} {
		iLoad, err := analogCh(p, name)
		if err != nil {
			return err
		}
		rig.AddBranch(duty, iLoad, precharge, simCfg.LoadR, simCfg.LoadL)
	}
	return nil
}

func analogCh(p *types.SupplyProfileDefinition, name string) (int, error) {
	idx, ok := p.Channels.Analog[name]
	if !ok {
		return 0, fmt.Errorf("profile %s: no analog channel %q", p.SupplyProfile.ID, name)
	}
	return idx, nil
}

func pwmCh(p *types.SupplyProfileDefinition, name string) (int, error) {
	idx, ok := p.Channels.PWM[name]
	if !ok {
		return 0, fmt.Errorf("profile %s: no pwm channel %q", p.SupplyProfile.ID, name)
	}
	return idx, nil
}
