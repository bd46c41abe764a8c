package firecracker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI settings of the microVM bridge network.
const (
	BridgeName     = "tmbr0"
	Subnet         = "10.172.0.0/24"
	Gateway        = "10.172.0.1"
	CNINetworkName = "taskmesh-fcnet"
	CNIVersion     = "1.0.0"
	CNIIfName      = "eth0"
	CNICacheDir    = "/var/lib/cni/cache"
)

// requiredCNIPlugins must exist in the CNI bin directory.
var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// VMNetwork is what CNI ADD produced for one microVM.
type VMNetwork struct {
	TAPDevice     string
	MACAddress    string
	GuestIP       string
	GatewayIP     string
	NamespacePath string
}

// confList renders the bridge + tc-redirect-tap conflist.
func confList() ([]byte, error) {
	list := struct {
		CNIVersion string           `json:"cniVersion"`
		Name       string           `json:"name"`
		Plugins    []map[string]any `json:"plugins"`
	}{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    BridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  Subnet,
					"gateway": Gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the TAP device and first IP out of a CNI ADD result.
// tc-redirect-tap adds the TAP next to the veth named CNIIfName; the veth is
// only used when no separate TAP is reported.
func parseResult(result types.Result, nsPath string) (*VMNetwork, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	net := &VMNetwork{NamespacePath: nsPath}
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			net.TAPDevice, net.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if net.TAPDevice == "" && fallback != nil {
		net.TAPDevice, net.MACAddress = fallback.Name, fallback.Mac
	}
	if net.TAPDevice == "" {
		return nil, errors.New("no sandboxed interface in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}
	net.GuestIP = res.IPs[0].Address.String()
	if res.IPs[0].Gateway != nil {
		net.GatewayIP = res.IPs[0].Gateway.String()
	}
	return net, nil
}
