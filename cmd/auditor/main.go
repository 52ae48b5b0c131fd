package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"auditsmart/internal/app"
	"auditsmart/internal/audit"
	"auditsmart/internal/config"
	"auditsmart/internal/logging"
	"auditsmart/internal/shutdown"
)

var (
	configFile string
	verbose    bool

	wallet        string
	comprehensive bool
	reportPath    string
	force         bool
	port          int
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "auditor",
		Short:         "智能合约审计命令行工具",
		Long:          `对 Solidity 合约执行静态分析和大模型审计，生成修复版本和审计报告，并可部署到链上`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动 API 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(false)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return app.Serve(cfg, logger)
		},
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "API 服务端口，0 表示使用配置文件")

	auditCmd := &cobra.Command{
		Use:   "audit <file.sol>",
		Short: "完整审计",
		Args:  cobra.ExactArgs(1),
		RunE:  runAudit,
	}
	auditCmd.Flags().StringVar(&wallet, "wallet", "", "钱包地址，设置后检查审计配额")
	auditCmd.Flags().BoolVar(&comprehensive, "comprehensive", false, "综合审计，不检查配额")
	auditCmd.Flags().StringVar(&reportPath, "report", "", "审计报告 Markdown 输出路径")

	scanCmd := &cobra.Command{
		Use:   "scan <file.sol>",
		Short: "快速安全扫描",
		Args:  cobra.ExactArgs(1),
		RunE: withSource(func(ctx context.Context, a *app.App, source string) (interface{}, error) {
			return a.Orchestrator.QuickScan(ctx, source)
		}),
	}

	describeCmd := &cobra.Command{
		Use:   "describe <file.sol>",
		Short: "生成合约功能描述",
		Args:  cobra.ExactArgs(1),
		RunE: withSource(func(ctx context.Context, a *app.App, source string) (interface{}, error) {
			return a.Orchestrator.Describe(ctx, source)
		}),
	}

	compileCmd := &cobra.Command{
		Use:   "compile <file.sol>",
		Short: "仅编译",
		Args:  cobra.ExactArgs(1),
		RunE: withSource(func(ctx context.Context, a *app.App, source string) (interface{}, error) {
			return a.Compiler.Compile(ctx, source)
		}),
	}

	deployCmd := &cobra.Command{
		Use:   "deploy <file.sol>",
		Short: "部署合约",
		Args:  cobra.ExactArgs(1),
		RunE: withSource(func(ctx context.Context, a *app.App, source string) (interface{}, error) {
			result, err := a.Orchestrator.Deploy(ctx, source, force)
			if err != nil && result != nil {
				_ = printJSON(result)
			}
			return result, err
		}),
	}
	deployCmd.Flags().BoolVar(&force, "force", false, "忽略高危安全检查")

	deployedCmd := &cobra.Command{
		Use:   "deployed <address>",
		Short: "审计链上已验证合约",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				result, err := a.Orchestrator.AuditDeployed(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	walletsCmd := &cobra.Command{
		Use:   "wallets",
		Short: "查看钱包审计配额使用情况",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app.App) error {
				snapshot, err := a.Limiter.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(snapshot)
			})
		},
	}

	rootCmd.AddCommand(serveCmd, auditCmd, scanCmd, describeCmd, compileCmd, deployCmd, deployedCmd, walletsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func runAudit(cmd *cobra.Command, args []string) error {
	source, err := readSource(args[0])
	if err != nil {
		return err
	}

	return withApp(func(ctx context.Context, a *app.App) error {
		req := audit.Request{Source: source, FileName: filepath.Base(args[0]), Wallet: wallet}

		var result *audit.Result
		if comprehensive {
			result, err = a.Orchestrator.Comprehensive(ctx, req)
		} else {
			result, err = a.Orchestrator.Audit(ctx, req)
		}
		if err != nil {
			return err
		}

		if reportPath != "" && result.Report() != "" {
			if err := os.WriteFile(reportPath, []byte(result.Report()), 0644); err != nil {
				return fmt.Errorf("写入审计报告失败: %w", err)
			}
			a.Logger.Infof("审计报告已写入 %s", reportPath)
		}
		if result.Summary() != "" {
			fmt.Fprintln(os.Stderr, result.Summary())
		}
		return printJSON(result)
	})
}

// withSource 读取合约文件后执行 fn 并输出 JSON
func withSource(fn func(ctx context.Context, a *app.App, source string) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		source, err := readSource(args[0])
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			result, err := fn(ctx, a, source)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	}
}

// setup 加载配置并创建日志器，toStderr 时标准输出只留给结果
func setup(toStderr bool) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if toStderr && (cfg.Logging.Output == "stdout" || cfg.Logging.Output == "") {
		cfg.Logging.Output = "stderr"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

// withApp 组装组件，收到中断信号时取消 ctx，结束后按顺序释放资源
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := setup(true)
	if err != nil {
		return err
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	a.RegisterShutdown(gs)
	gs.Listen()

	runErr := fn(gs.Context(), a)
	if err := gs.Shutdown(); err != nil {
		logger.WithError(err).Warn("释放资源失败")
	}
	return runErr
}

func readSource(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("读取合约文件失败: %w", err)
	}
	return string(content), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
