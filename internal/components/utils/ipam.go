// Copyright 2025 EURECOM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Contributors:
//   Giulio CAROTA
//   Thomas DU
//   Adlen KSENTINI

package utils

import (
	"errors"
	"fmt"
	"net/netip"

	log "github.com/sirupsen/logrus"
)

var ErrNoAddressLeft = errors.New("no available IP addresses")

// IPAllocator hands out host addresses of a subnet to devices, lowest first.
type IPAllocator struct {
	prefix    netip.Prefix
	next      netip.Addr
	released  []netip.Addr
	allocated map[string]netip.Addr // deviceId -> IP
	ipToUser  map[netip.Addr]string // IP -> deviceId
}

func NewIpamService(subnet string) (*IPAllocator, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid device subnet %q: %w", subnet, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() || prefix.Bits() > 30 {
		return nil, fmt.Errorf("device subnet %s must be an IPv4 prefix of at most /30", prefix)
	}

	return &IPAllocator{
		prefix:    prefix,
		next:      prefix.Addr().Next(), // skip the network address
		allocated: make(map[string]netip.Addr),
		ipToUser:  make(map[netip.Addr]string),
	}, nil
}

func (a *IPAllocator) Prefix() netip.Prefix {
	return a.prefix
}

func (a *IPAllocator) AllocateIP(deviceId string) (netip.Addr, error) {
	if ip, ok := a.allocated[deviceId]; ok {
		return ip, nil // device already has an IP
	}

	var ip netip.Addr
	if len(a.released) > 0 {
		ip = a.released[0]
		a.released = a.released[1:]
	} else {
		for {
			// the last address of the prefix is the broadcast address
			if !a.prefix.Contains(a.next.Next()) {
				return netip.Addr{}, fmt.Errorf("%w in %s", ErrNoAddressLeft, a.prefix)
			}
			ip = a.next
			a.next = a.next.Next()
			if _, taken := a.ipToUser[ip]; !taken {
				break
			}
		}
	}

	a.allocated[deviceId] = ip
	a.ipToUser[ip] = deviceId
	return ip, nil
}

// ReserveIP assigns a fixed address, e.g. the work server's, so that it is
// never handed out to a device.
func (a *IPAllocator) ReserveIP(owner string, ip netip.Addr) error {
	if !a.prefix.Contains(ip) {
		return fmt.Errorf("%s is outside %s", ip, a.prefix)
	}
	if user, taken := a.ipToUser[ip]; taken && user != owner {
		return fmt.Errorf("%s already assigned to %s", ip, user)
	}
	a.allocated[owner] = ip
	a.ipToUser[ip] = owner
	return nil
}

func (a *IPAllocator) ReleaseIP(deviceId string) error {
	ip, ok := a.allocated[deviceId]
	if !ok {
		return errors.New("device does not have an allocated IP")
	}

	delete(a.allocated, deviceId)
	delete(a.ipToUser, ip)
	a.released = append([]netip.Addr{ip}, a.released...)
	return nil
}

func (a *IPAllocator) GetIP(deviceId string) (netip.Addr, bool) {
	ip, ok := a.allocated[deviceId]
	return ip, ok
}

func (a *IPAllocator) GetDeviceOk(ip netip.Addr) (string, bool) {
	deviceId, ok := a.ipToUser[ip]
	if !ok {
		log.Debugf("device not found %s", ip)
	}
	return deviceId, ok
}
