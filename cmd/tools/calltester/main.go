package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-agent/backend/internal/config"
	"github.com/zhouzirui/voice-agent/backend/internal/model/agent"
	speechmodel "github.com/zhouzirui/voice-agent/backend/internal/model/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/ai"
	"github.com/zhouzirui/voice-agent/backend/internal/service/call"
	"github.com/zhouzirui/voice-agent/backend/internal/service/speech"
	"github.com/zhouzirui/voice-agent/backend/internal/service/telephony"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	config.SetupLogging(cfg.Logging)

	mode := flag.String("mode", "", "测试模式: tts, reply 或 call")
	agentID := flag.String("agent", "1", "agent ID")
	text := flag.String("text", "", "tts: 待合成文本; reply: 来电者的话")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用 agent 的声音")
	to := flag.String("to", "", "call: 被叫号码")
	from := flag.String("from", "", "call: 主叫号码，默认使用 TWILIO_PHONE_NUMBER")
	record := flag.Bool("record", false, "call: 是否录音")
	lead := flag.String("lead", "", "call: lead 引用")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	agents := agent.NewMemoryStore(agent.Seed())
	if cfg.Call.AgentsFile != "" {
		items, err := agent.LoadFile(cfg.Call.AgentsFile)
		if err != nil {
			log.Fatalf("加载 agent 文件失败: %v", err)
		}
		agents = agent.NewMemoryStore(items)
	}

	a, ok := agents.FindByID(*agentID)
	if !ok {
		log.Fatalf("agent %q 不存在", *agentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch *mode {
	case "tts":
		runTTS(ctx, cfg, a, *text, *voice, *outputPath)
	case "reply":
		runReply(ctx, cfg, a, *text)
	case "call":
		runCall(ctx, cfg, agents, telephony.DialRequest{AgentRef: a.ID, To: *to, From: *from, Record: *record, LeadRef: *lead})
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=tts、-mode=reply 或 -mode=call 指定测试模式")
	}
}

func runTTS(ctx context.Context, cfg *config.Config, a agent.Agent, text, voice, outputPath string) {
	if strings.TrimSpace(text) == "" {
		text = a.OpeningLine()
	}
	if voice == "" {
		voice = a.VoiceID
	}

	backend := speech.NewBackend(cfg.Speech)
	if backend == nil {
		log.Fatal("语音服务未启用，请先配置 SPEECH_BACKEND 对应的凭证")
	}

	log.Printf("开始进行 TTS 测试: backend=%s voice=%s", backend.Name(), voice)

	started := time.Now()
	body, ext, err := backend.Stream(ctx, speech.Request{
		SessionID: fmt.Sprintf("manual-%d", time.Now().UnixNano()),
		Label:     "manual",
		Text:      text,
		Voice:     voice,
		Settings:  speechmodel.DefaultVoiceSettings().Merge(a.Voice),
	})
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}
	defer body.Close()

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), ext)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		log.Fatalf("创建输出文件失败: %v", err)
	}
	defer out.Close()

	n, err := io.Copy(out, body)
	if err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, 大小=%d bytes, 耗时=%s", outputPath, n, time.Since(started))
}

func runReply(ctx context.Context, cfg *config.Config, a agent.Agent, utterance string) {
	if strings.TrimSpace(utterance) == "" {
		utterance = call.OpeningUtterance
	}
	if !cfg.AI.Enabled() {
		log.Fatal("模型凭证未配置，请检查 AI_BACKEND 及对应的密钥")
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		log.Fatalf("创建模型失败: %v", err)
	}
	responder, err := ai.NewResponder(ctx, chatModel, cfg.AI)
	if err != nil {
		log.Fatalf("初始化回复生成失败: %v", err)
	}

	started := time.Now()
	reply := responder.Respond(ctx, a, utterance, nil)
	log.Printf("agent=%s 回复 (%s): %s", a.Name, time.Since(started), reply)
}

func runCall(ctx context.Context, cfg *config.Config, agents agent.Store, req telephony.DialRequest) {
	api := telephony.NewClient(cfg.Telephony)
	if api == nil {
		log.Fatal("Twilio 凭证未配置")
	}

	initiator := telephony.NewInitiator(api, agents, call.Links{BaseURL: cfg.Server.PublicBaseURL}, cfg.Telephony.PhoneNumber)
	res, err := initiator.Dial(ctx, req)
	if err != nil {
		log.Fatalf("外呼失败: %v", err)
	}
	log.Printf("外呼已发起: callSid=%s status=%s sessionId=%s", res.CallSID, res.Status, res.SessionID)
}
