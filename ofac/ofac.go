package ofac

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// ComplianceList is a set of addresses no produced block may touch.
type ComplianceList map[common.Address]struct{}

var (
	mu              sync.RWMutex
	complianceLists = map[string]ComplianceList{}
)

// UpdateComplianceLists replaces every known list.
func UpdateComplianceLists(lists map[string]ComplianceList) {
	mu.Lock()
	defer mu.Unlock()

	complianceLists = lists
	for name, list := range lists {
		log.Info("Updated compliance list", "name", name, "addresses", len(list))
	}
}

// CheckCompliance reports whether none of addrs is on the named list. An
// unknown list passes every address.
func CheckCompliance(listName string, addrs []common.Address) bool {
	if listName == "" {
		return true
	}

	mu.RLock()
	defer mu.RUnlock()

	list, ok := complianceLists[listName]
	if !ok {
		return true
	}
	for _, addr := range addrs {
		if _, found := list[addr]; found {
			return false
		}
	}
	return true
}

// LoadComplianceLists reads a JSON object mapping list names to address
// arrays and installs it.
func LoadComplianceLists(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading compliance lists: %w", err)
	}
	var raw map[string][]common.Address
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding compliance lists: %w", err)
	}
	lists := make(map[string]ComplianceList, len(raw))
	for name, addrs := range raw {
		list := make(ComplianceList, len(addrs))
		for _, addr := range addrs {
			list[addr] = struct{}{}
		}
		lists[name] = list
	}
	UpdateComplianceLists(lists)
	return nil
}
