package babel

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Route is one entry of babeld's route table.
type Route struct {
	ID        string
	Prefix    netip.Prefix
	Installed bool
	Metric    uint16
	RefMetric uint16
	Price     uint32
	Fee       uint32
	Via       netip.Addr
	Iface     string
}

// IsHost reports whether the route covers a single address.
func (r Route) IsHost() bool {
	return r.Prefix.IsValid() && r.Prefix.IsSingleIP()
}

// ParseRoute parses a dump line such as
//
//	add route 14f19a8 prefix fd00::1/128 from ::/0 installed yes id ba:27:eb:ff:fe:5b:fe:c7 metric 1596 price 3072 fee 3072 refmetric 638 via fe80::e8d7:b1ff:fe88:ef6f if wg28
//
// Unknown keys are ignored. prefix and price are required.
func ParseRoute(line string) (Route, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "add" || fields[1] != "route" {
		return Route{}, fmt.Errorf("not a route line")
	}

	r := Route{ID: fields[2]}
	var havePrefix, havePrice bool

	for i := 3; i+1 < len(fields); i += 2 {
		key, value := fields[i], fields[i+1]
		var err error

		switch key {
		case "prefix":
			r.Prefix, err = netip.ParsePrefix(value)
			havePrefix = err == nil
		case "installed":
			r.Installed = value == "yes"
		case "metric":
			r.Metric, err = parseUint16(value)
		case "refmetric":
			r.RefMetric, err = parseUint16(value)
		case "price":
			r.Price, err = parseUint32(value)
			havePrice = err == nil
		case "fee":
			r.Fee, err = parseUint32(value)
		case "via":
			r.Via, err = netip.ParseAddr(value)
		case "if":
			r.Iface = value
		}

		if err != nil {
			return Route{}, fmt.Errorf("%s %q: %w", key, value, err)
		}
	}

	if !havePrefix {
		return Route{}, errors.New("missing prefix")
	}
	if !havePrice {
		return Route{}, errors.New("missing price")
	}
	return r, nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	return uint16(v), err
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
