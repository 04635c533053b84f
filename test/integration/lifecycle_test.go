//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"
	"github.com/onsi/gomega/gexec"

	"github.com/chenkeao/popup-ai/internal/config"
	"github.com/chenkeao/popup-ai/internal/infra"
	"github.com/chenkeao/popup-ai/test/fixtures"
)

const cmdTimeout = 15 * time.Second

var pidPattern = regexp.MustCompile(`\(pid (\d+)\)`)

// popupAI runs the built binary in env.
func popupAI(env *fixtures.Env, args ...string) *gexec.Session {
	cmd := exec.Command(popupAIPath, args...)
	cmd.Env = env.Environ()
	session, err := gexec.Start(cmd, GinkgoWriter, GinkgoWriter)
	Expect(err).NotTo(HaveOccurred())
	return session
}

// runToExit runs popup-ai and waits for it to exit with code.
func runToExit(env *fixtures.Env, code int, args ...string) *gexec.Session {
	session := popupAI(env, args...)
	Eventually(session, cmdTimeout).Should(gexec.Exit(code))
	return session
}

func reportedPID(session *gexec.Session) int {
	m := pidPattern.FindSubmatch(session.Out.Contents())
	Expect(m).NotTo(BeNil(), "output has no pid: %q", session.Out.Contents())
	pid, err := strconv.Atoi(string(m[1]))
	Expect(err).NotTo(HaveOccurred())
	return pid
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Daemon.StartConfirm = config.Duration(5 * time.Second)
	cfg.IPC.RegistrationWait = config.Duration(3 * time.Second)
	return cfg
}

var _ = Describe("popup-ai lifecycle", func() {
	var (
		env *fixtures.Env
		cfg *config.Config
	)

	BeforeEach(func() {
		var err error
		env, err = fixtures.NewEnv(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		cfg = testConfig()
	})

	JustBeforeEach(func() {
		Expect(env.WriteConfig(cfg)).To(Succeed())
	})

	AfterEach(func() {
		popupAI(env, "stop").Wait(cmdTimeout)
	})

	Context("with no prior state", func() {
		It("starts, reports and stops the instance", func() {
			status := runToExit(env, 1, "status")
			Expect(status.Out).To(gbytes.Say("daemon is not running"))

			start := runToExit(env, 0, "start")
			Expect(start.Out).To(gbytes.Say(`daemon started \(pid \d+\)`))
			pid := reportedPID(start)

			data, err := os.ReadFile(env.Paths().PIDFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(strconv.Itoa(pid)))

			status = runToExit(env, 0, "status")
			Expect(reportedPID(status)).To(Equal(pid))

			stop := runToExit(env, 0, "stop")
			Expect(stop.Out).To(gbytes.Say("daemon stopped"))

			runToExit(env, 1, "status")
			Expect(env.Paths().PIDFile).NotTo(BeAnExistingFile())
		})

		It("treats stop as already done", func() {
			stop := runToExit(env, 0, "stop")
			Expect(stop.Out).To(gbytes.Say("daemon already stopped"))
			Expect(env.Paths().PIDFile).NotTo(BeAnExistingFile())
		})

		It("accepts the legacy flag aliases", func() {
			runToExit(env, 1, "--status")
			runToExit(env, 0, "--start-daemon")
			runToExit(env, 0, "--status")
			runToExit(env, 0, "--stop-daemon")
		})
	})

	Context("when the instance is running", func() {
		var pid int

		JustBeforeEach(func() {
			pid = reportedPID(runToExit(env, 0, "start"))
		})

		It("does not start a second instance", func() {
			again := runToExit(env, 0, "start")
			Expect(again.Out).To(gbytes.Say("daemon already running"))
			Expect(reportedPID(again)).To(Equal(pid))
		})

		It("restarts with a new process", func() {
			restart := runToExit(env, 0, "restart")
			Expect(restart.Out).To(gbytes.Say("daemon restarted"))
			Expect(reportedPID(restart)).NotTo(Equal(pid))
			Expect(infra.NewProcessManager().Probe(pid).String()).To(Equal("not running"))
		})

		It("appends to the log file", func() {
			runToExit(env, 0, "restart")
			data, err := os.ReadFile(env.Paths().LogFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Count(string(data), "shell started")).To(Equal(2))
		})
	})

	Context("with a config file outside the default location", func() {
		var (
			cfgPath    string
			customPIDs string
		)

		BeforeEach(func() {
			custom := testConfig()
			custom.RuntimeDir = filepath.Join(env.Root, "custom-run")
			customPIDs = infra.PathsFor(custom.RuntimeDir, config.AppID).PIDFile

			data, err := custom.Encode()
			Expect(err).NotTo(HaveOccurred())
			cfgPath = filepath.Join(env.Root, "custom.toml")
			Expect(os.WriteFile(cfgPath, data, 0600)).To(Succeed())

			DeferCleanup(func() {
				popupAI(env, "--config", cfgPath, "stop").Wait(cmdTimeout)
			})
		})

		It("runs the instance under that config", func() {
			start := runToExit(env, 0, "--config", cfgPath, "start")
			pid := reportedPID(start)

			data, err := os.ReadFile(customPIDs)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(strconv.Itoa(pid)))
			Expect(env.Paths().PIDFile).NotTo(BeAnExistingFile())

			again := runToExit(env, 0, "--config", cfgPath, "start")
			Expect(again.Out).To(gbytes.Say("daemon already running"))
			Expect(reportedPID(again)).To(Equal(pid))

			runToExit(env, 0, "--config", cfgPath, "status")
			runToExit(env, 0, "--config", cfgPath, "stop")
			Expect(customPIDs).NotTo(BeAnExistingFile())
			Expect(infra.NewProcessManager().Probe(pid).String()).To(Equal("not running"))
		})

		It("resolves a relative config path for the started instance", func() {
			cmd := exec.Command(popupAIPath, "--config", filepath.Base(cfgPath), "start")
			cmd.Env = env.Environ()
			cmd.Dir = filepath.Dir(cfgPath)
			session, err := gexec.Start(cmd, GinkgoWriter, GinkgoWriter)
			Expect(err).NotTo(HaveOccurred())
			Eventually(session, cmdTimeout).Should(gexec.Exit(0))

			data, err := os.ReadFile(customPIDs)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(strconv.Itoa(reportedPID(session))))
		})
	})

	Context("when launchers race", func() {
		It("leaves exactly one instance", func() {
			sessions := make([]*gexec.Session, 5)
			for i := range sessions {
				sessions[i] = popupAI(env, "start")
			}

			pids := map[int]bool{}
			for _, s := range sessions {
				Eventually(s, cmdTimeout).Should(gexec.Exit(0))
				pids[reportedPID(s)] = true
			}
			Expect(pids).To(HaveLen(1))
		})
	})

	Context("with a stale pid file", func() {
		It("reclaims it", func() {
			dead := exec.Command("true")
			Expect(dead.Run()).To(Succeed())
			Expect(infra.NewPIDFile(env.Paths().PIDFile).Write(dead.Process.Pid)).To(Succeed())

			runToExit(env, 1, "status")
			Expect(env.Paths().PIDFile).NotTo(BeAnExistingFile())

			runToExit(env, 0, "start")
		})
	})

	Context("when the instance ignores SIGTERM", func() {
		var stubborn *gexec.Session

		BeforeEach(func() {
			cfg.Daemon.StopTimeout = config.Duration(time.Second)
		})

		JustBeforeEach(func() {
			var err error
			stubborn, err = gexec.Start(exec.Command(stubbornPath, env.Paths().PIDFile), GinkgoWriter, GinkgoWriter)
			Expect(err).NotTo(HaveOccurred())
			Eventually(stubborn.Out, cmdTimeout).Should(gbytes.Say("ready"))
		})

		AfterEach(func() {
			stubborn.Kill().Wait(cmdTimeout)
		})

		It("kills it after the stop timeout", func() {
			start := time.Now()
			runToExit(env, 0, "stop")
			elapsed := time.Since(start)

			Expect(elapsed).To(BeNumerically(">=", time.Second))
			Expect(elapsed).To(BeNumerically("<=", 1300*time.Millisecond))
			Eventually(stubborn, cmdTimeout).Should(gexec.Exit())
			runToExit(env, 1, "status")
		})

		It("fails to forward without falling back to a new instance", func() {
			launch := runToExit(env, 1, "hello")
			Expect(launch.Err).To(gbytes.Say("popup-ai: "))

			data, err := os.ReadFile(env.Paths().PIDFile)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(strconv.Itoa(stubborn.Command.Process.Pid)))
		})
	})
})

var _ = Describe("popup-ai forwarding", func() {
	var (
		env     *fixtures.Env
		outFile string
	)

	BeforeEach(func() {
		if busAddress == "" {
			Skip("dbus-daemon not installed")
		}

		var err error
		env, err = fixtures.NewEnv(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		env.BusAddress = busAddress

		outFile = filepath.Join(env.Root, "windows.txt")
		cfg := testConfig()
		cfg.Presenter.Command = []string{"sh", "-c", `printf '%s\n' "$1" >> "$2"`, "sh", "{text}", outFile}
		Expect(env.WriteConfig(cfg)).To(Succeed())
	})

	AfterEach(func() {
		if env != nil {
			popupAI(env, "stop").Wait(cmdTimeout)
		}
	})

	windows := func() []string {
		data, err := os.ReadFile(outFile)
		if err != nil {
			return nil
		}
		return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	}

	It("starts an instance that shows the first text", func() {
		runToExit(env, 0, "hello", "world")
		Eventually(windows, cmdTimeout).Should(Equal([]string{"hello world"}))
	})

	It("forwards later texts to the running instance exactly once", func() {
		runToExit(env, 0, "first")
		Eventually(windows, cmdTimeout).Should(HaveLen(1))
		pid := reportedPID(runToExit(env, 0, "status"))

		runToExit(env, 0, "--", "stop", "means", "text", "here")
		Eventually(windows, cmdTimeout).Should(Equal([]string{"first", "stop means text here"}))
		Consistently(windows, 300*time.Millisecond).Should(HaveLen(2))

		status := runToExit(env, 0, "status")
		Expect(reportedPID(status)).To(Equal(pid))
		Expect(status.Out).To(gbytes.Say("registered as io.github.chenkeao.PopupAI"))
		Expect(status.Out).To(gbytes.Say(`Activations:\s+2`))
	})
})
