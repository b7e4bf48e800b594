package lending

import "github.com/atmx/lending-engine/internal/model"

// Policy decides who may run privileged operations: setting the price,
// liquidating and reconciling withdrawals.
type Policy interface {
	Allowed(caller model.UserID) bool
}

// AllowAll permits every caller.
type AllowAll struct{}

func (AllowAll) Allowed(model.UserID) bool { return true }

// AdminList permits only the listed callers.
type AdminList map[model.UserID]struct{}

// NewAdminList builds an AdminList from ids, ignoring blanks.
func NewAdminList(ids ...string) AdminList {
	l := make(AdminList, len(ids))
	for _, raw := range ids {
		id, err := model.ParseUserID(raw)
		if err != nil {
			continue
		}
		l[id] = struct{}{}
	}
	return l
}

func (l AdminList) Allowed(caller model.UserID) bool {
	_, ok := l[caller]
	return ok
}
