package vm

import (
	"encoding/xml"
	"fmt"
)

// Definition is the typed model a caller builds and renders to libvirt
// XML; the stored value remains the canonical XML string (for
// compatibility with whatever wrote it, including hand-edited XML), but
// internal code that needs to construct or amend a VM's definition works
// against this struct rather than re-parsing XML on every operation (§9
// design note).
type Definition struct {
	UUID   string
	Name   string
	Memory MemorySpec
	VCPU   int

	Disks      []Disk
	Interfaces []Interface
	HostDevs   []HostDev
}

type MemorySpec struct {
	Unit  string // "MiB" or "KiB"
	Value int
}

type Disk struct {
	Pool   string
	Volume string
	Target string // e.g. "vda"
	Bus    string // e.g. "virtio"
}

type Interface struct {
	Type       string // "bridge" or "network"
	Source     string
	MAC        string
	Model      string
}

// HostDev is an SR-IOV VF attached in hostdev mode. Its presence forces a
// shutdown+start migration instead of a live one (§4.E).
type HostDev struct {
	PCIAddress string
}

// domainXML mirrors the handful of libvirt <domain> fields this module
// actually reads or writes; it is intentionally not a complete schema.
type domainXML struct {
	XMLName xml.Name    `xml:"domain"`
	Type    string      `xml:"type,attr"`
	UUID    string      `xml:"uuid"`
	Name    string      `xml:"name"`
	Memory  memoryXML   `xml:"memory"`
	VCPU    int         `xml:"vcpu"`
	Devices devicesXML  `xml:"devices"`
}

type memoryXML struct {
	Unit  string `xml:"unit,attr"`
	Value int    `xml:",chardata"`
}

type devicesXML struct {
	Disks      []diskXML      `xml:"disk"`
	Interfaces []interfaceXML `xml:"interface"`
	HostDevs   []hostdevXML   `xml:"hostdev"`
}

type diskXML struct {
	Type   string       `xml:"type,attr"`
	Device string       `xml:"device,attr"`
	Source diskSourceXML `xml:"source"`
	Target diskTargetXML `xml:"target"`
}

type diskSourceXML struct {
	Pool   string `xml:"pool,attr,omitempty"`
	Volume string `xml:"volume,attr,omitempty"`
}

type diskTargetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr"`
}

type interfaceXML struct {
	Type   string        `xml:"type,attr"`
	MAC    *macXML       `xml:"mac,omitempty"`
	Source ifaceSourceXML `xml:"source"`
	Model  *modelXML     `xml:"model,omitempty"`
}

type macXML struct {
	Address string `xml:"address,attr"`
}

type modelXML struct {
	Type string `xml:"type,attr"`
}

type ifaceSourceXML struct {
	Bridge  string `xml:"bridge,attr,omitempty"`
	Network string `xml:"network,attr,omitempty"`
}

type hostdevXML struct {
	Mode    string       `xml:"mode,attr"`
	Type    string       `xml:"type,attr"`
	Managed string       `xml:"managed,attr"`
	Source  hostdevSrcXML `xml:"source"`
}

type hostdevSrcXML struct {
	Address pciAddressXML `xml:"address"`
}

type pciAddressXML struct {
	Domain   string `xml:"domain,attr"`
	Bus      string `xml:"bus,attr"`
	Slot     string `xml:"slot,attr"`
	Function string `xml:"function,attr"`
}

// Render produces the libvirt XML for d. Callers that need to mutate an
// existing VM's definition (resize memory, attach a disk) build a
// Definition from the intended end-state and call Render once, rather than
// patching the stored XML string in place.
func (d Definition) Render() (string, error) {
	dom := domainXML{
		Type:   "kvm",
		UUID:   d.UUID,
		Name:   d.Name,
		Memory: memoryXML{Unit: d.Memory.Unit, Value: d.Memory.Value},
		VCPU:   d.VCPU,
	}
	for _, disk := range d.Disks {
		dom.Devices.Disks = append(dom.Devices.Disks, diskXML{
			Type:   "network",
			Device: "disk",
			Source: diskSourceXML{Pool: disk.Pool, Volume: disk.Volume},
			Target: diskTargetXML{Dev: disk.Target, Bus: disk.Bus},
		})
	}
	for _, iface := range d.Interfaces {
		ix := interfaceXML{Type: iface.Type}
		if iface.MAC != "" {
			ix.MAC = &macXML{Address: iface.MAC}
		}
		if iface.Model != "" {
			ix.Model = &modelXML{Type: iface.Model}
		}
		switch iface.Type {
		case "bridge":
			ix.Source = ifaceSourceXML{Bridge: iface.Source}
		case "network":
			ix.Source = ifaceSourceXML{Network: iface.Source}
		}
		dom.Devices.Interfaces = append(dom.Devices.Interfaces, ix)
	}
	for _, hd := range d.HostDevs {
		dom.Devices.HostDevs = append(dom.Devices.HostDevs, hostdevXML{
			Mode: "subsystem", Type: "pci", Managed: "yes",
			Source: hostdevSrcXML{Address: parsePCIAddress(hd.PCIAddress)},
		})
	}

	out, err := xml.MarshalIndent(dom, "", "  ")
	if err != nil {
		return "", fmt.Errorf("vm: render definition: %w", err)
	}
	return xml.Header + string(out), nil
}

// RequiresShutdownMigration reports whether this definition forces a
// shutdown+start fallback instead of a live migration (§4.E: "hostdev
// SR-IOV in hostdev mode").
func (d Definition) RequiresShutdownMigration() bool {
	return len(d.HostDevs) > 0
}

// Parse extracts the fields this module consumes from a stored XML
// string. It is called once per operation that needs the typed view, not
// on every read — callers that only need the XML string itself use it
// directly.
func Parse(rawXML string) (Definition, error) {
	var dom domainXML
	if err := xml.Unmarshal([]byte(rawXML), &dom); err != nil {
		return Definition{}, fmt.Errorf("vm: parse definition: %w", err)
	}
	d := Definition{
		UUID:   dom.UUID,
		Name:   dom.Name,
		Memory: MemorySpec{Unit: dom.Memory.Unit, Value: dom.Memory.Value},
		VCPU:   dom.VCPU,
	}
	for _, disk := range dom.Devices.Disks {
		d.Disks = append(d.Disks, Disk{Pool: disk.Source.Pool, Volume: disk.Source.Volume, Target: disk.Target.Dev, Bus: disk.Target.Bus})
	}
	for _, iface := range dom.Devices.Interfaces {
		i := Interface{Type: iface.Type}
		if iface.MAC != nil {
			i.MAC = iface.MAC.Address
		}
		if iface.Model != nil {
			i.Model = iface.Model.Type
		}
		switch iface.Type {
		case "bridge":
			i.Source = iface.Source.Bridge
		case "network":
			i.Source = iface.Source.Network
		}
		d.Interfaces = append(d.Interfaces, i)
	}
	for _, hd := range dom.Devices.HostDevs {
		a := hd.Source.Address
		d.HostDevs = append(d.HostDevs, HostDev{PCIAddress: fmt.Sprintf("%s:%s:%s.%s", a.Domain, a.Bus, a.Slot, a.Function)})
	}
	return d, nil
}

func parsePCIAddress(addr string) pciAddressXML {
	var domain, bus, slot, function string
	_, _ = fmt.Sscanf(addr, "%4s:%2s:%2s.%1s", &domain, &bus, &slot, &function)
	return pciAddressXML{Domain: "0x" + domain, Bus: "0x" + bus, Slot: "0x" + slot, Function: "0x" + function}
}
