package main

import (
	"fmt"
	"os"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/database"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/repository"
	"github.com/carevisit/carevisit/internal/service"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "admin",
	Short:        "Operator tool for CareVisit device auth",
	SilenceUsage: true,
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an active user",
	Args:  cobra.NoArgs,
	RunE:  runUserCreate,
}

var userDeactivateCmd = &cobra.Command{
	Use:   "deactivate [userId]",
	Short: "Deactivate a user and revoke all of their device sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDeactivate,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage token signing keys",
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Generate and activate a new signing key",
	Args:  cobra.NoArgs,
	RunE:  runKeysRotate,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage device sessions",
}

var sessionRevokeCmd = &cobra.Command{
	Use:   "revoke [deviceSessionId]",
	Short: "Revoke one device session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRevoke,
}

var sessionRevokeUserCmd = &cobra.Command{
	Use:   "revoke-user [userId]",
	Short: "Revoke every active device session of a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionRevokeUser,
}

var (
	createEmail     string
	createPassword  string
	createFirstName string
	createLastName  string
	createRole      string
	createZone      string
	rotateAlgorithm string
	revokeReason    string
)

func init() {
	userCreateCmd.Flags().StringVar(&createEmail, "email", "", "login email")
	userCreateCmd.Flags().StringVar(&createPassword, "password", "", "initial password")
	userCreateCmd.Flags().StringVar(&createFirstName, "first-name", "", "first name")
	userCreateCmd.Flags().StringVar(&createLastName, "last-name", "", "last name")
	userCreateCmd.Flags().StringVar(&createRole, "role", string(model.RoleCaregiver), "caregiver, coordinator, admin or family")
	userCreateCmd.Flags().StringVar(&createZone, "zone", "", "zone id")
	_ = userCreateCmd.MarkFlagRequired("email")
	_ = userCreateCmd.MarkFlagRequired("password")
	usersCmd.AddCommand(userCreateCmd, userDeactivateCmd)

	keysRotateCmd.Flags().StringVar(&rotateAlgorithm, "algorithm", "", "hybrid or ed25519 (default from config)")
	keysCmd.AddCommand(keysRotateCmd)

	sessionRevokeCmd.Flags().StringVar(&revokeReason, "reason", string(model.ReasonAdminRevoked), "revocation reason")
	sessionsCmd.AddCommand(sessionRevokeCmd, sessionRevokeUserCmd)

	rootCmd.AddCommand(usersCmd, keysCmd, sessionsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env holds the connections and repositories every command needs
type env struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *database.Postgres
	users    *repository.UserRepository
	sessions *repository.DeviceSessionRepository
	audit    *repository.AuditRepository
}

func openEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, "text")

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &env{
		cfg:      cfg,
		log:      log,
		db:       db,
		users:    repository.NewUserRepository(db),
		sessions: repository.NewDeviceSessionRepository(db),
		audit:    repository.NewAuditRepository(db),
	}, nil
}

func (e *env) Close() {
	_ = e.db.Close()
}

// sessionService publishes revocations when Redis is reachable and logs
// otherwise
func (e *env) sessionService() (*service.SessionService, func()) {
	deps := service.SessionDeps{
		Tx:       e.db,
		Sessions: e.sessions,
		Audit:    e.audit,
	}
	closeFn := func() {}
	if rdb, err := database.NewRedis(e.cfg.Redis); err != nil {
		e.log.Warn().Err(err).Msg("redis unavailable, revocations will not be broadcast")
	} else {
		deps.Events = service.NewRevocationBus(rdb, e.log)
		closeFn = func() { _ = rdb.Close() }
	}
	return service.NewSessionService(deps, e.cfg.Security.Tokens, e.log), closeFn
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	svc, closeFn := e.sessionService()
	defer closeFn()
	users := service.NewUserService(e.users, svc, e.audit, e.cfg.Security.Password, e.log)

	req := service.CreateUserRequest{
		Email:     createEmail,
		Password:  createPassword,
		FirstName: createFirstName,
		LastName:  createLastName,
		Role:      model.Role(createRole),
	}
	if createZone != "" {
		req.ZoneID = &createZone
	}

	user, err := users.Create(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Printf("Created user %s (%s, %s)\n", user.ID, user.Email, user.Role)
	return nil
}

func runUserDeactivate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	svc, closeFn := e.sessionService()
	defer closeFn()
	users := service.NewUserService(e.users, svc, e.audit, e.cfg.Security.Password, e.log)

	n, err := users.Deactivate(cmd.Context(), args[0], service.ClientInfo{})
	if err != nil {
		return err
	}
	fmt.Printf("Deactivated user %s, revoked %d device session(s)\n", args[0], n)
	return nil
}

func runKeysRotate(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	keys := auth.NewKeySet()
	svc := service.NewKeyService(e.db, repository.NewSigningKeyRepository(e.db), keys, e.audit, e.cfg.Security.Tokens, e.log)
	if _, err := svc.Reload(cmd.Context()); err != nil {
		return err
	}

	key, err := svc.Rotate(cmd.Context(), rotateAlgorithm)
	if err != nil {
		return err
	}
	fmt.Printf("Activated signing key %s (%s), verifiable until %s\n", key.ID, key.Algorithm, key.VerifyUntil.Format("2006-01-02"))
	fmt.Println("Running servers pick up the new key on their next reload.")
	return nil
}

func runSessionRevoke(cmd *cobra.Command, args []string) error {
	reason := model.RevocationReason(revokeReason)
	if !reason.Valid() {
		return fmt.Errorf("unknown revocation reason %q", revokeReason)
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	svc, closeFn := e.sessionService()
	defer closeFn()

	if err := svc.Revoke(cmd.Context(), args[0], reason, service.ClientInfo{}); err != nil {
		return err
	}
	fmt.Printf("Revoked device session %s (%s)\n", args[0], reason)
	return nil
}

func runSessionRevokeUser(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	svc, closeFn := e.sessionService()
	defer closeFn()

	n, err := svc.RevokeAllForUser(cmd.Context(), args[0], model.ReasonAdminRevoked, service.ClientInfo{})
	if err != nil {
		return err
	}
	fmt.Printf("Revoked %d device session(s) of user %s\n", n, args[0])
	return nil
}
