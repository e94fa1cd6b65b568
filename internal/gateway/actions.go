// Package gateway dispatches wallet actions through a single endpoint.
// The action set is a closed enum: anything not registered here is
// rejected before authentication runs.
package gateway

// Scope controls who may invoke an action.
type Scope string

const (
	// ScopePublic actions require no authentication.
	ScopePublic Scope = "public"
	// ScopeWallet actions require a valid session token.
	ScopeWallet Scope = "wallet"
	// ScopeAdmin actions additionally require an administrative role.
	ScopeAdmin Scope = "admin"
)

// Action names.
const (
	ActionGetInfo          = "getInfo"
	ActionHealthCheck      = "healthCheck"
	ActionGetBalance       = "getBalance"
	ActionCreateInvoice    = "createInvoice"
	ActionPayInvoice       = "payInvoice"
	ActionPaymentStatus    = "paymentStatus"
	ActionProvisionCard    = "provisionCard"
	ActionBindCardUid      = "bindCardUid"
	ActionSetCardPin       = "setCardPin"
	ActionVerifyCardPin    = "verifyCardPin"
	ActionCreateConnection = "createConnection"
	ActionRevokeConnection = "revokeConnection"
	ActionListConnections  = "listConnections"
	ActionProvisionWallet  = "provisionWallet"
	ActionRotateWalletKeys = "rotateWalletKeys"
	ActionExportAuditLog   = "exportAuditLog"
)

// Action describes one registered operation.
type Action struct {
	Name  string
	Scope Scope
}

// registry is the closed action set. Adding an action here is the only
// way to expose new behavior through the endpoint.
var registry = map[string]Action{
	ActionGetInfo:          {Name: ActionGetInfo, Scope: ScopePublic},
	ActionHealthCheck:      {Name: ActionHealthCheck, Scope: ScopePublic},
	ActionGetBalance:       {Name: ActionGetBalance, Scope: ScopeWallet},
	ActionCreateInvoice:    {Name: ActionCreateInvoice, Scope: ScopeWallet},
	ActionPayInvoice:       {Name: ActionPayInvoice, Scope: ScopeWallet},
	ActionPaymentStatus:    {Name: ActionPaymentStatus, Scope: ScopeWallet},
	ActionProvisionCard:    {Name: ActionProvisionCard, Scope: ScopeWallet},
	ActionBindCardUid:      {Name: ActionBindCardUid, Scope: ScopeWallet},
	ActionSetCardPin:       {Name: ActionSetCardPin, Scope: ScopeWallet},
	ActionVerifyCardPin:    {Name: ActionVerifyCardPin, Scope: ScopeWallet},
	ActionCreateConnection: {Name: ActionCreateConnection, Scope: ScopeWallet},
	ActionRevokeConnection: {Name: ActionRevokeConnection, Scope: ScopeWallet},
	ActionListConnections:  {Name: ActionListConnections, Scope: ScopeWallet},
	ActionProvisionWallet:  {Name: ActionProvisionWallet, Scope: ScopeAdmin},
	ActionRotateWalletKeys: {Name: ActionRotateWalletKeys, Scope: ScopeAdmin},
	ActionExportAuditLog:   {Name: ActionExportAuditLog, Scope: ScopeAdmin},
}

// LookupAction resolves an action by name.
func LookupAction(name string) (Action, bool) {
	a, ok := registry[name]
	return a, ok
}

// PublicActions lists the names of actions callable without credentials.
// Returned by getInfo so clients can discover the public surface.
func PublicActions() []string {
	var names []string
	for name, a := range registry {
		if a.Scope == ScopePublic {
			names = append(names, name)
		}
	}
	return names
}
