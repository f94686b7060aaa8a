package rbac

// Simple default policy. Expand as needed.
var RolePermissions = map[string][]string{
	"student": {
		"attempt:join",
		"attempt:view-own",
		"attempt:submit",
		"result:view-own",
	},
	"teacher": {
		"exam:create",
		"exam:list",
		"exam:update",
		"exam:activate",
		"exam:delete",
		"question:create",
		"question:list",
		"result:view-all",
	},
	"admin": {
		"*", // everything
	},
}
