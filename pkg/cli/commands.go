package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/fleetwise/pkg/auth"
	"github.com/platinummonkey/fleetwise/pkg/database"
	"github.com/platinummonkey/fleetwise/pkg/rbac"
	"github.com/platinummonkey/fleetwise/pkg/tenancy"
	"github.com/platinummonkey/fleetwise/pkg/tenants"
)

func newMigrateCommand() *Command {
	return &Command{
		Name:        "migrate",
		Description: "Apply pending migrations and seed built-in roles",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
		Run:         runMigrate,
	}
}

func runMigrate(ctx context.Context, env *Env, _ *flag.FlagSet) error {
	db, err := env.DB(ctx)
	if err != nil {
		return err
	}
	if err := database.Migrate(ctx, db, env.Logger); err != nil {
		return err
	}
	if err := rbac.SeedBuiltInRoles(ctx, rbac.NewStore(db)); err != nil {
		return fmt.Errorf("failed to seed roles: %w", err)
	}
	fmt.Fprintln(env.Out, "migrations applied")
	return nil
}

func newCreateTenantCommand() *Command {
	cmd := &Command{
		Name:        "create-tenant",
		Description: "Create a tenant",
		Flags:       flag.NewFlagSet("create-tenant", flag.ContinueOnError),
		Run:         runCreateTenant,
	}
	cmd.Flags.String("name", "", "Tenant display name")
	cmd.Flags.String("slug", "", "URL-safe identifier (derived from the name when empty)")
	return cmd
}

func runCreateTenant(ctx context.Context, env *Env, flags *flag.FlagSet) error {
	if err := requireFlags(flags, "name"); err != nil {
		return err
	}
	db, err := env.DB(ctx)
	if err != nil {
		return err
	}

	t := &tenants.Tenant{
		Name: flags.Lookup("name").Value.String(),
		Slug: flags.Lookup("slug").Value.String(),
	}
	if err := tenants.NewStore(db).Create(ctx, t); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "created tenant %d (%s)\n", t.ID, t.Slug)
	return nil
}

func newListTenantsCommand() *Command {
	return &Command{
		Name:        "list-tenants",
		Description: "List tenants",
		Flags:       flag.NewFlagSet("list-tenants", flag.ContinueOnError),
		Run:         runListTenants,
	}
}

func runListTenants(ctx context.Context, env *Env, _ *flag.FlagSet) error {
	db, err := env.DB(ctx)
	if err != nil {
		return err
	}
	list, err := tenants.NewStore(db).List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLUG\tNAME\tACTIVE")
	for _, t := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", t.ID, t.Slug, t.Name, t.IsActive)
	}
	return w.Flush()
}

func newSetTenantActiveCommand() *Command {
	cmd := &Command{
		Name:        "set-tenant-active",
		Description: "Enable or disable a tenant; disabling revokes its sessions",
		Flags:       flag.NewFlagSet("set-tenant-active", flag.ContinueOnError),
		Run:         runSetTenantActive,
	}
	cmd.Flags.String("tenant", "", "Tenant slug")
	cmd.Flags.Bool("active", true, "Whether the tenant may sign in")
	return cmd
}

func runSetTenantActive(ctx context.Context, env *Env, flags *flag.FlagSet) error {
	if err := requireFlags(flags, "tenant"); err != nil {
		return err
	}
	active := flags.Lookup("active").Value.String() == "true"

	db, err := env.DB(ctx)
	if err != nil {
		return err
	}

	store := tenants.NewStore(db)
	tenant, err := store.GetBySlug(ctx, flags.Lookup("tenant").Value.String())
	if err != nil {
		return err
	}
	if err := store.SetActive(ctx, tenant.ID, active); err != nil {
		return err
	}

	if active {
		fmt.Fprintf(env.Out, "tenant %s enabled\n", tenant.Slug)
		return nil
	}
	n, err := auth.NewSessionStore(db).RevokeAllForTenant(ctx, tenant.ID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("tenant %s disabled but session revocation failed: %w", tenant.Slug, err)
	}
	env.Logger.WithField("tenant_id", tenant.ID).WithField("sessions", n).Info("tenant disabled")
	fmt.Fprintf(env.Out, "tenant %s disabled, %d sessions revoked\n", tenant.Slug, n)
	return nil
}

func newCreateUserCommand() *Command {
	cmd := &Command{
		Name:        "create-user",
		Description: "Create a user in a tenant and grant a built-in role",
		Flags:       flag.NewFlagSet("create-user", flag.ContinueOnError),
		Run:         runCreateUser,
	}
	cmd.Flags.String("tenant", "", "Tenant slug")
	cmd.Flags.String("email", "", "Login email")
	cmd.Flags.String("name", "", "Display name")
	cmd.Flags.String("password", "", "Initial password (8 to 72 characters)")
	cmd.Flags.String("role", rbac.RoleClient, "Built-in role: admin, manager, technician or client")
	return cmd
}

func runCreateUser(ctx context.Context, env *Env, flags *flag.FlagSet) error {
	if err := requireFlags(flags, "tenant", "email", "name", "password", "role"); err != nil {
		return err
	}
	password := flags.Lookup("password").Value.String()
	if len(password) < 8 || len(password) > 72 {
		return fmt.Errorf("--password must be 8 to 72 characters")
	}

	db, err := env.DB(ctx)
	if err != nil {
		return err
	}

	tenant, err := tenants.NewStore(db).GetBySlug(ctx, flags.Lookup("tenant").Value.String())
	if err != nil {
		return err
	}

	roles := rbac.NewStore(db)
	roleName := strings.ToLower(flags.Lookup("role").Value.String())
	role, err := roles.GetGlobalRoleByName(ctx, roleName)
	if err != nil {
		return fmt.Errorf("role %s: %w", roleName, err)
	}

	hash, err := auth.HashPassword(password, env.BcryptCost)
	if err != nil {
		return err
	}

	user := &auth.User{
		Email:        flags.Lookup("email").Value.String(),
		Name:         flags.Lookup("name").Value.String(),
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := auth.NewUserStore(db).Create(ctx, tenancy.ForTenant(tenant.ID), user); err != nil {
		return err
	}
	if err := roles.AssignRole(ctx, user.ID, role.ID, nil); err != nil {
		return fmt.Errorf("user %d created but role assignment failed: %w", user.ID, err)
	}

	fmt.Fprintf(env.Out, "created user %d (%s) in %s with role %s\n", user.ID, user.Email, tenant.Slug, role.Name)
	return nil
}
