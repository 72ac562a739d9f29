package tsprobe

import (
	"fmt"
	"os"
)

// RequirePrivileges checks: root OR CAP_NET_RAW (and CAP_NET_ADMIN if binding to device).
func RequirePrivileges(bindingToIface bool) error {
	if os.Geteuid() == 0 {
		return nil
	}
	rawOK, err := hasCap(capNetRaw)
	if err != nil {
		return err
	}
	if !rawOK {
		return fmt.Errorf("requires CAP_NET_RAW (or root). grant with: sudo setcap cap_net_raw+ep /path/to/tsprobe")
	}
	if bindingToIface {
		adminOK, err := hasCap(capNetAdmin)
		if err != nil {
			return err
		}
		if !adminOK {
			return fmt.Errorf("SO_BINDTODEVICE typically requires CAP_NET_ADMIN. grant with: sudo setcap cap_net_admin,cap_net_raw+ep /path/to/tsprobe")
		}
	}
	return nil
}
