package stability

import "github.com/hexaline/weighbridge/models"

// Per-state operator guidance. Every state other than Stable carries at
// least one action; order is priority.
var recommendedActions = map[models.StabilityState][]string{
	models.StateStable: nil,
	models.StateUnknown: {
		"Collect more data before acting; the window is not yet representative",
	},
	models.StateUnstable: {
		"Verify the scale is powered and settled on a level surface",
		"Check serial parameters (baud, parity, data bits) against the device manual",
		"Observe the raw stream for mixed frame formats",
	},
	models.StateNoisy: {
		"Check cable shielding between the scale and the converter",
		"Verify ground connections on both the scale and the converter",
		"Route the serial cable away from motors and frequency drives",
		"Try a lower baud rate",
	},
	models.StateIntermittent: {
		"Inspect the serial cable and connectors for loose contacts",
		"Check the converter's power supply for brownouts",
		"Confirm no other client is polling the same converter port",
	},
	models.StateCorrupted: {
		"Verify baud rate, parity and stop bits match the scale configuration",
		"Replace the serial cable; corruption at this level is usually physical",
		"Power-cycle the serial-to-Ethernet converter",
	},
	models.StateDisconnected: {
		"Check the network path to the converter (ping, port reachability)",
		"Verify the converter's serial port is wired to the scale",
		"Confirm the scale transmits continuously or poll it explicitly",
	},
}

// RecommendedActions returns the prioritized operator actions for a state.
func RecommendedActions(state models.StabilityState) []string {
	actions := recommendedActions[state]
	if actions == nil {
		return nil
	}
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}
