package bus

// Topics consumed from the wake-word engine and speech pipeline. Topic
// names are a wire contract with the audio-side daemons; do not rename.
const (
	// TopicVoiceComing is posted when the wake word is detected.
	// No arguments.
	TopicVoiceComing = "voice_coming"
	// TopicLocalAwake carries the sound source localization angle.
	// Args: [signal].
	TopicLocalAwake = "local_awake"
	// TopicInterAsr carries intermediate recognition text.
	// Args: [text].
	TopicInterAsr = "inter_asr"
	// TopicFinalAsr carries the final recognition text.
	// Args: [text].
	TopicFinalAsr = "final_asr"
	// TopicSpeechExtra carries activation verdicts as a JSON object
	// with an "activation" field (accept | fake | reject).
	// Args: [json].
	TopicSpeechExtra = "speech.extra"
	// TopicStartVoice is posted when the microphone opens.
	TopicStartVoice = "start_voice"
	// TopicEndVoice is posted when the microphone closes.
	TopicEndVoice = "end_voice"
	// TopicSpeechNlp carries the NLP intent and action documents.
	// Args: [nlpJSON, actionJSON].
	TopicSpeechNlp = "speech.nlp"
	// TopicSpeechError carries speech pipeline faults.
	// Args: [code, speechID]. Codes >= 100 indicate network faults.
	TopicSpeechError = "speech.error"
)

// Topics published toward the wake-word engine and cloud-stack mirror.
const (
	// TopicPickup toggles the microphone pickup state. Args: [0|1].
	TopicPickup = "pickup"
	// TopicWakeupEngineDisable toggles wake word processing. The
	// argument is the DISABLE flag: 0 enables, 1 disables.
	TopicWakeupEngineDisable = "wakeup_engine.disable"
	// TopicMute toggles the microphone mute state. Args: [0|1].
	TopicMute = "mute"
	// TopicVtWordAdd registers an activation word.
	// Args: [word, phonetic, 1].
	TopicVtWordAdd = "vt_word.add"
	// TopicVtWordRemove removes an activation word. Args: [word].
	TopicVtWordRemove = "vt_word.remove"
	// TopicStackUpdate mirrors the skill stack to the cloud context.
	// Args: ["scene:cut"].
	TopicStackUpdate = "stack.update"
)

// Topics exchanged with the network daemon.
const (
	// TopicNetworkStatus carries connectivity transitions.
	// Args: [statusJSON] with a "state" field (CONNECTED | DISCONNECTED).
	TopicNetworkStatus = "network.status"
	// TopicNetworkTriggerStatus requests an immediate re-announcement
	// of the current network status. No arguments.
	TopicNetworkTriggerStatus = "network.trigger_status"
	// TopicCloudEvent carries login status codes pushed by the account
	// cloud. Args: [code, message].
	TopicCloudEvent = "cloud.event"
)

// Topics addressed to the rendering daemons (lights, sound, tts, media).
const (
	// TopicLightPlay starts a light effect. Args: [appID, uri, dataJSON].
	TopicLightPlay = "light.play"
	// TopicLightStop stops a light effect. Args: [appID, uri].
	TopicLightStop = "light.stop"
	// TopicSoundPlay plays a system sound effect. Args: [appID, uri].
	TopicSoundPlay = "sound.play"
	// TopicSoundStop stops sound effects for an app. Args: [appID].
	TopicSoundStop = "sound.stop"
	// TopicMediaMethod invokes a multimedia daemon method.
	// Args: [method, argsJSON].
	TopicMediaMethod = "media.method"
	// TopicTtsMethod invokes a tts daemon method.
	// Args: [method, argsJSON].
	TopicTtsMethod = "tts.method"
)
